package identity

import (
	"encoding/json"
	"errors"
	"io/fs"

	"github.com/benmeehan/driver-agent/pkg/file"
)

// Identity holds the driver's unique identifier and other metadata.
type Identity struct {
	DriverID string          `json:"driver_id,omitempty"`
	Name     string          `json:"driver_name,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// DriverInfoInterface defines methods for managing driver identity.
type DriverInfoInterface interface {
	LoadDriverInfo() error
	SaveDriverID(driverID string) error
	GetDriverID() string
	GetDriverIdentity() *Identity
}

// DriverInfo manages the driver identity and the file it is persisted in.
type DriverInfo struct {
	DriverInfoFile string
	Identity       Identity
	fileOps        file.FileOperations
}

// NewDriverInfo initializes a new DriverInfo instance.
func NewDriverInfo(filePath string, fileOps file.FileOperations) DriverInfoInterface {
	return &DriverInfo{
		DriverInfoFile: filePath,
		fileOps:        fileOps,
	}
}

// LoadDriverInfo reads the identity file. A missing file leaves the identity empty.
func (d *DriverInfo) LoadDriverInfo() error {
	err := d.fileOps.ReadJsonFile(d.DriverInfoFile, &d.Identity)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			d.Identity = Identity{}
			return nil
		}
		return err
	}

	return nil
}

// GetDriverIdentity returns the current driver Identity.
func (d *DriverInfo) GetDriverIdentity() *Identity {
	return &d.Identity
}

// GetDriverID returns the current driver ID.
func (d *DriverInfo) GetDriverID() string {
	return d.Identity.DriverID
}

// SaveDriverID updates the driver ID and writes the identity back to its file.
func (d *DriverInfo) SaveDriverID(driverID string) error {
	d.Identity.DriverID = driverID
	return d.fileOps.WriteJsonFile(d.DriverInfoFile, d.Identity)
}
