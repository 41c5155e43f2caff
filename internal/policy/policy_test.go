package policy

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/tad-europe/rvguard/internal/alerts"
	"github.com/tad-europe/rvguard/internal/hooks"
	"github.com/tad-europe/rvguard/pkg/types"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newStore() (*Store, *alerts.Queue) {
	q := alerts.NewQueue(16)
	return NewStore(quietLogger(), q), q
}

func blockAppsPolicy() *types.PolicyBuffer {
	return &types.PolicyBuffer{Version: types.PolicyVersionV1, Flags: types.PolicyFlagBlockApps}
}

func TestStore_SetPolicy_VersionGate(t *testing.T) {
	s, _ := newStore()
	if got := s.SetPolicy(&types.PolicyBuffer{Version: 2}); got != types.StatusInvalidParameter {
		t.Errorf("version 2 accepted: %v", got)
	}
	if s.Valid() {
		t.Error("store must not be valid after rejected push")
	}
	if got := s.SetPolicy(blockAppsPolicy()); got != types.StatusOK {
		t.Fatalf("SetPolicy = %v", got)
	}
	if !s.Valid() || !s.FlagSet(types.PolicyFlagBlockApps) {
		t.Error("policy should be active")
	}
}

func TestStore_SetPolicy_WholeBufferSwap(t *testing.T) {
	s, _ := newStore()
	s.SetPolicy(&types.PolicyBuffer{Version: 1, Flags: types.PolicyFlagBlockApps, OrganizationalUnit: "OU=A"})
	first := s.Policy()
	s.SetPolicy(&types.PolicyBuffer{Version: 1, OrganizationalUnit: "OU=B"})
	if first.OrganizationalUnit != "OU=A" {
		t.Error("old buffer mutated by replacement")
	}
	if got := s.Policy().OrganizationalUnit; got != "OU=B" {
		t.Errorf("active OU = %q", got)
	}
}

func TestGate_FlagGated(t *testing.T) {
	s, _ := newStore()
	s.SetBannedApps([]string{"notepad.exe"})

	// List stored, flag unset: creation passes.
	d := s.OnProcessCreate(hooks.ProcessCreation{PID: 10, ImagePath: `C:\Windows\System32\notepad.exe`})
	if d.Deny {
		t.Fatal("creation denied while block-apps flag unset")
	}

	// Toggle the flag on without re-pushing the list: blocking starts.
	s.SetPolicy(blockAppsPolicy())
	d = s.OnProcessCreate(hooks.ProcessCreation{PID: 11, ImagePath: `C:\Windows\System32\notepad.exe`})
	if !d.Deny {
		t.Fatal("creation allowed with flag set and image banned")
	}
}

func TestGate_CaseInsensitiveFinalComponent(t *testing.T) {
	s, _ := newStore()
	s.SetPolicy(blockAppsPolicy())
	s.SetBannedApps([]string{"Notepad.EXE"})

	cases := []struct {
		path string
		deny bool
	}{
		{`C:\Windows\System32\NOTEPAD.exe`, true},
		{`D:\other\dir\notepad.exe`, true},
		{`/usr/bin/notepad.exe`, true},
		{`C:\Windows\System32\notepad2.exe`, false},
		{`C:\notepad.exe.bak`, false},
	}
	for _, tc := range cases {
		d := s.OnProcessCreate(hooks.ProcessCreation{PID: 1, ImagePath: tc.path})
		if d.Deny != tc.deny {
			t.Errorf("%s: deny = %v, want %v", tc.path, d.Deny, tc.deny)
		}
	}
}

func TestGate_BlockedCreationRaisesAlert(t *testing.T) {
	s, q := newStore()
	s.SetPolicy(blockAppsPolicy())
	s.SetBannedApps([]string{"notepad.exe"})

	d := s.OnProcessCreate(hooks.ProcessCreation{PID: 4242, ImagePath: `C:\Windows\System32\notepad.exe`})
	if !d.Deny {
		t.Fatal("expected denial")
	}
	rec, ok := q.TryDequeue()
	if !ok || rec.Type != types.AlertProcessBlocked || rec.SourcePID != 4242 {
		t.Errorf("alert = %+v ok=%v", rec, ok)
	}
}

func TestStore_SetBannedApps_Wholesale(t *testing.T) {
	s, _ := newStore()
	s.SetBannedApps([]string{"a.exe", "b.exe"})
	s.SetBannedApps([]string{"c.exe"})
	got := s.BannedApps()
	if len(got) != 1 || got[0] != "c.exe" {
		t.Errorf("list = %v, want wholesale replacement", got)
	}
	if st := s.SetBannedApps(nil); st != types.StatusOK {
		t.Errorf("clear status = %v", st)
	}
	if len(s.BannedApps()) != 0 {
		t.Error("count 0 must clear the list")
	}
	over := make([]string, types.MaxBannedApps+1)
	for i := range over {
		over[i] = "x.exe"
	}
	if st := s.SetBannedApps(over); st != types.StatusInvalidParameter {
		t.Errorf("oversized list status = %v", st)
	}
}
