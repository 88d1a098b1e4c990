package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lawdesk/lawdesk-go/internal/remote"
)

// fakeProber fails the named tables with the scripted error.
type fakeProber struct {
	failTables map[string]error
	probed     []string
}

func (f *fakeProber) Probe(_ context.Context, table, column string) error {
	f.probed = append(f.probed, table)

	if err, ok := f.failTables[table]; ok {
		return err
	}

	return nil
}

func TestProbe_UnconfiguredShortCircuits(t *testing.T) {
	fp := &fakeProber{}
	p := NewSchemaProbe(fp, false, nil)

	res := p.Run(context.Background())

	assert.Equal(t, ClassUnconfigured, res.Class)
	assert.ErrorIs(t, res.Err, ErrUnconfigured)
	assert.Empty(t, fp.probed, "unconfigured must not touch the network")
}

func TestProbe_HealthyBackendReady(t *testing.T) {
	fp := &fakeProber{}
	p := NewSchemaProbe(fp, true, nil)

	res := p.Run(context.Background())

	assert.Equal(t, ClassReady, res.Class)
	assert.Len(t, fp.probed, len(Entities), "every registry table gets probed")
}

func TestProbe_Classification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ProbeClass
	}{
		{
			"undefined table",
			&remote.RemoteError{StatusCode: 404, Code: "42P01", Err: remote.ErrUndefinedTable},
			ClassUninitialized,
		},
		{
			"undefined column",
			&remote.RemoteError{StatusCode: 400, Code: "42703", Err: remote.ErrUndefinedColumn},
			ClassUninitialized,
		},
		{
			"http 404",
			&remote.RemoteError{StatusCode: 404, Err: remote.ErrNotFound},
			ClassUninitialized,
		},
		{
			"unauthorized",
			&remote.RemoteError{StatusCode: 401, Err: remote.ErrUnauthorized},
			ClassUnconfigured,
		},
		{
			"forbidden",
			&remote.RemoteError{StatusCode: 403, Err: remote.ErrForbidden},
			ClassUnconfigured,
		},
		{
			"connection refused",
			errors.New("dial tcp: connection refused"),
			ClassNetwork,
		},
		{
			"server error",
			&remote.RemoteError{StatusCode: 500, Err: remote.ErrServerError},
			ClassUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fp := &fakeProber{failTables: map[string]error{"profiles": tc.err}}
			p := NewSchemaProbe(fp, true, nil)

			res := p.Run(context.Background())

			assert.Equal(t, tc.want, res.Class)
			assert.Equal(t, "profiles", res.Table)
			require.Error(t, res.Err)
		})
	}
}

func TestProbe_FirstFailureWins(t *testing.T) {
	// profiles probes first (registry order); a later failure is never reached.
	fp := &fakeProber{failTables: map[string]error{
		"profiles":       &remote.RemoteError{StatusCode: 404, Code: "42P01", Err: remote.ErrUndefinedTable},
		"court_sessions": errors.New("dial tcp: connection refused"),
	}}

	p := NewSchemaProbe(fp, true, nil)
	res := p.Run(context.Background())

	assert.Equal(t, ClassUninitialized, res.Class)
	assert.Equal(t, "profiles", res.Table)
	assert.Len(t, fp.probed, 1)
}
