package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/benmeehan/driver-agent/pkg/identity"
)

// MockDriverInfo is a mock implementation of the DriverInfoInterface
type MockDriverInfo struct {
	mock.Mock
}

func (m *MockDriverInfo) LoadDriverInfo() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockDriverInfo) GetDriverID() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockDriverInfo) SaveDriverID(driverID string) error {
	args := m.Called(driverID)
	return args.Error(0)
}

func (m *MockDriverInfo) GetDriverIdentity() *identity.Identity {
	args := m.Called()
	id, _ := args.Get(0).(*identity.Identity)
	return id
}
