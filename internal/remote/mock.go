package remote

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockStore is a testify mock of Store.
type MockStore struct {
	mock.Mock
}

// Select mocks Store.Select.
func (m *MockStore) Select(ctx context.Context, table string, q Query) ([]Row, error) {
	args := m.Called(ctx, table, q)
	rows, _ := args.Get(0).([]Row)
	return rows, args.Error(1)
}

// Insert mocks Store.Insert.
func (m *MockStore) Insert(ctx context.Context, table string, rows []Row) ([]Row, error) {
	args := m.Called(ctx, table, rows)
	out, _ := args.Get(0).([]Row)
	return out, args.Error(1)
}

// Upsert mocks Store.Upsert.
func (m *MockStore) Upsert(ctx context.Context, table string, rows []Row, onConflict string) ([]Row, error) {
	args := m.Called(ctx, table, rows, onConflict)
	out, _ := args.Get(0).([]Row)
	return out, args.Error(1)
}

// Update mocks Store.Update.
func (m *MockStore) Update(ctx context.Context, table, id string, userID int64, row Row) error {
	return m.Called(ctx, table, id, userID, row).Error(0)
}

// Delete mocks Store.Delete.
func (m *MockStore) Delete(ctx context.Context, table, id string, userID int64) error {
	return m.Called(ctx, table, id, userID).Error(0)
}
