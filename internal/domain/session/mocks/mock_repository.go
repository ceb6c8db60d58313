package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/clipstake/clipstake/internal/domain/session"
)

// MockRepository is a mock implementation of session.Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Save(ctx context.Context, snap session.Snapshot) error {
	args := m.Called(ctx, snap)
	return args.Error(0)
}

func (m *MockRepository) Load(ctx context.Context) (*session.Snapshot, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*session.Snapshot), args.Error(1)
}

func (m *MockRepository) Clear(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
