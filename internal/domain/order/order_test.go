package order

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_Next(t *testing.T) {
	next, ok := StatusPending.Next()
	require.True(t, ok)
	assert.Equal(t, StatusShipped, next)

	next, ok = StatusShipped.Next()
	require.True(t, ok)
	assert.Equal(t, StatusDelivered, next)

	_, ok = StatusDelivered.Next()
	assert.False(t, ok)
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		label  string
		want   Status
		wantOK bool
	}{
		{"Pending", StatusPending, true},
		{"SHIPPED", StatusShipped, true},
		{" Delivered ", StatusDelivered, true},
		{"待发货", StatusPending, true},
		{"已发货", StatusShipped, true},
		{"已签收", StatusDelivered, true},
		{"lost", StatusPending, false},
		{"", StatusPending, false},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			got, ok := ParseStatus(tt.label)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestParseStatus_RoundTripsString(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusShipped, StatusDelivered} {
		got, ok := ParseStatus(s.String())
		require.True(t, ok, s.String())
		assert.Equal(t, s, got)
	}
}

func TestGenerateID(t *testing.T) {
	ts := time.Date(2025, 12, 8, 12, 0, 0, 0, time.UTC)

	id := GenerateID("alice", ts)
	assert.Len(t, id, len(idPrefix)+16)
	assert.Regexp(t, `^ORD[0-9a-f]{16}$`, id)

	assert.Equal(t, id, GenerateID("alice", ts), "same input must give the same id")
	assert.Equal(t, id, GenerateID("alice", ts.Add(300*time.Millisecond)), "sub-second part is ignored")
	assert.NotEqual(t, id, GenerateID("bob", ts))
	assert.NotEqual(t, id, GenerateID("alice", ts.Add(time.Second)))
}

func TestDwell_For(t *testing.T) {
	d := Dwell{PendingToShipped: 10 * time.Second, ShippedToDelivered: 20 * time.Second}

	got, ok := d.For(StatusPending)
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, got)

	got, ok = d.For(StatusShipped)
	require.True(t, ok)
	assert.Equal(t, 20*time.Second, got)

	_, ok = d.For(StatusDelivered)
	assert.False(t, ok)
}

func TestStatus_Valid(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusShipped, StatusDelivered} {
		assert.True(t, s.Valid(), s.String())
	}
	assert.False(t, Status(-1).Valid())
	assert.False(t, Status(3).Valid())
}
