package auth

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPolicy_Defaults(t *testing.T) {
	p := NewPolicy("", nil)

	assert.Equal(t, "rossy", p.AdminUsername())
	assert.Equal(t, []string{"Juan", "Jose", "Los dos"}, p.Assignees())
	assert.True(t, p.IsAssignee("Los dos"))
	assert.False(t, p.IsAssignee("rossy"))
}

func TestPolicy_RequireAdmin(t *testing.T) {
	p := NewPolicy("rossy", nil)

	tests := []struct {
		name    string
		ctx     context.Context
		wantErr error
	}{
		{"no identity", context.Background(), ErrUnauthenticated},
		{"regular user", WithIdentity(context.Background(), Identity{Username: "Juan"}), ErrForbidden},
		{"admin", WithIdentity(context.Background(), p.Identify("rossy")), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.RequireAdmin(tt.ctx)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPolicy_UpdateRevokesAdmin(t *testing.T) {
	p := NewPolicy("rossy", nil)
	ctx := WithIdentity(context.Background(), p.Identify("rossy"))

	p.Update("juana", []string{"Juan"})

	_, err := p.RequireAdmin(ctx)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.False(t, p.IsAssignee("Jose"))
}

func TestPolicy_AssigneesIsACopy(t *testing.T) {
	p := NewPolicy("", nil)
	list := p.Assignees()
	list[0] = "mutated"

	assert.True(t, p.IsAssignee("Juan"))
}

func TestPolicy_ConcurrentUpdate(t *testing.T) {
	p := NewPolicy("", nil)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				p.Update("rossy", []string{"Juan"})
			} else {
				_ = p.IsAssignee("Juan")
				_ = p.IsAdmin("rossy")
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, "rossy", p.AdminUsername())
}

func TestFromContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	_, ok = FromContext(WithIdentity(context.Background(), Identity{}))
	assert.False(t, ok, "empty username is not an identity")

	id, ok := FromContext(WithIdentity(context.Background(), Identity{Username: "Jose"}))
	require.True(t, ok)
	assert.Equal(t, "Jose", id.Username)
	assert.Equal(t, "Jose", Actor(WithIdentity(context.Background(), id)))
}
