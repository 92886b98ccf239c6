package redisbus

import (
	"context"
	"errors"
	"testing"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/attribute"
)

type fakeApplier struct {
	reloads     int
	reloadErr   error
	invalidated [][]attribute.Target
}

func (f *fakeApplier) Reload(context.Context) error {
	f.reloads++
	return f.reloadErr
}

func (f *fakeApplier) InvalidateAttributes(targets ...attribute.Target) {
	f.invalidated = append(f.invalidated, targets)
}

func TestApply(t *testing.T) {
	tests := []struct {
		name        string
		msg         Message
		reloadErr   error
		wantReloads int
		wantTargets []int
	}{
		{name: "policy", msg: Message{Kind: KindPolicy}, wantReloads: 1},
		{name: "policy reload error", msg: Message{Kind: KindPolicy}, reloadErr: errors.New("db down"), wantReloads: 1},
		{name: "attributes purge", msg: Message{Kind: KindAttributes}, wantTargets: []int{0}},
		{
			name: "attribute targets",
			msg: Message{Kind: KindAttributes, Targets: []Target{
				{Kind: "institution", ID: "inst-1"},
				{Kind: "entity", Resource: "invoices", ID: "inv-9"},
			}},
			wantTargets: []int{2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeApplier{reloadErr: tt.reloadErr}
			Apply(f, testLogger())(context.Background(), tt.msg)

			if f.reloads != tt.wantReloads {
				t.Errorf("reloads = %d, want %d", f.reloads, tt.wantReloads)
			}
			if len(f.invalidated) != len(tt.wantTargets) {
				t.Fatalf("invalidations = %d, want %d", len(f.invalidated), len(tt.wantTargets))
			}
			for i, n := range tt.wantTargets {
				if len(f.invalidated[i]) != n {
					t.Errorf("invalidation %d carried %d targets, want %d", i, len(f.invalidated[i]), n)
				}
			}
		})
	}
}
