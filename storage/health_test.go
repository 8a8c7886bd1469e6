package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// mockUpsertor and mockStore give the health check a Store whose
// create/delete outcomes are controlled per test case.
type mockUpsertor struct {
	createErr error
}

func (u *mockUpsertor) Set(field string, value interface{}) Upsertor         { return u }
func (u *mockUpsertor) SetEncrypted(field string, plaintext []byte) Upsertor { return u }
func (u *mockUpsertor) Unset(field string) Upsertor                          { return u }
func (u *mockUpsertor) Execute(ctx context.Context) (string, int64, error) {
	if u.createErr != nil {
		return "", 0, u.createErr
	}
	return "probe-id", 1, nil
}

type mockStore struct {
	Store
	createErr error
	deleteErr error
}

func (m *mockStore) Upsertor(collection string, opts ...UpsertorOption) Upsertor {
	return &mockUpsertor{createErr: m.createErr}
}

func (m *mockStore) Delete(ctx context.Context, collection, id string) error {
	return m.deleteErr
}

func TestNewHealthCheckFunc(t *testing.T) {
	ctx := context.Background()
	fixedTime := time.Now()
	now := func() time.Time { return fixedTime }

	tests := []struct {
		name        string
		createErr   error
		deleteErr   error
		expectedErr error
	}{
		{name: "Success"},
		{
			name:        "create fails",
			createErr:   errors.New("create failed"),
			expectedErr: fmt.Errorf("health check create: %w", errors.New("create failed")),
		},
		{
			name:        "delete fails",
			deleteErr:   errors.New("delete failed"),
			expectedErr: fmt.Errorf("health check delete: %w", errors.New("delete failed")),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := &mockStore{createErr: tc.createErr, deleteErr: tc.deleteErr}
			healthCheck := NewHealthCheckFunc(store, now)

			details, err := healthCheck(ctx)

			if tc.expectedErr != nil {
				require.Error(t, err)
				require.EqualError(t, err, tc.expectedErr.Error())
			} else {
				require.NoError(t, err)
			}
			require.Nil(t, details)
		})
	}
}
