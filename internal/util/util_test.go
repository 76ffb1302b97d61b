package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainsSuspicious(t *testing.T) {
	cases := map[string]bool{
		"<script>alert(1)</script>":      true,
		"name=' OR '1'='1":               true,
		"1; DROP TABLE users":            true,
		"../../etc/passwd":               true,
		"${jndi:ldap://x}":               true,
		"id=1 UNION ALL SELECT password": true,
		"hello world":                    false,
		"jane.doe@example.com":           false,
		"page=2&sort=created_at":         false,
	}
	for input, want := range cases {
		assert.Equal(t, want, ContainsSuspicious(input), input)
	}
}

func TestSanitizeInput(t *testing.T) {
	assert.Equal(t, "&lt;b&gt;x&lt;/b&gt;", SanitizeInput("  <b>x</b> "))
}

func TestIDs(t *testing.T) {
	a, b := NewULID(), NewULID()
	assert.Len(t, a, 26)
	assert.Less(t, a, b)
	assert.NotEqual(t, NewUUID(), NewUUID())
}

func TestMasking(t *testing.T) {
	assert.Equal(t, "j***@example.com", MaskEmail("jane.doe@example.com"))
	assert.Equal(t, "******", MaskEmail("nobody"))
	assert.Equal(t, "0f3a****", MaskSecret("0f3a9c1e-77aa-4b1c-9d2e-1b2c3d4e5f60"))
	assert.Equal(t, "***", MaskSecret("abc"))
}

func TestLoggerConfig(t *testing.T) {
	prod := loggerConfig("production", "WARN", "json")
	assert.Equal(t, "json", prod.Encoding)
	assert.Equal(t, "warn", prod.Level.Level().String())
	assert.Equal(t, "security-core", prod.InitialFields["service"])
	assert.NotNil(t, prod.Sampling)

	dev := loggerConfig("development", "bogus", "console")
	assert.Equal(t, "console", dev.Encoding)
	assert.Equal(t, "info", dev.Level.Level().String())
	assert.Equal(t, "development", dev.InitialFields["environment"])
}
