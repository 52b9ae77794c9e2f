package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockPool stands in for a Manager in handler tests.
type MockPool struct {
	mock.Mock
}

func (m *MockPool) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockPool) Host() string {
	args := m.Called()
	return args.String(0)
}
