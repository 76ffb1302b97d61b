package models

type MFAStatus string

const (
	MFADisabled     MFAStatus = "disabled"
	MFASetupPending MFAStatus = "setup_pending"
	MFAEnabled      MFAStatus = "enabled"
)

// MFASetup is handed to the client once; the secret is not retrievable afterwards.
type MFASetup struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	QRCode          string   `json:"qr_code"`
	BackupCodes     []string `json:"backup_codes"`
}
