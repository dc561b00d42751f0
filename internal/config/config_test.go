package config

import (
	"strings"
	"testing"
)

func TestSplitCommand(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{`/bin/sleep 60`, []string{"/bin/sleep", "60"}},
		{`sh -c "exit 1"`, []string{"sh", "-c", "exit 1"}},
		{`cmd 'a b' c`, []string{"cmd", "a b", "c"}},
	}
	for _, c := range cases {
		got := SplitCommand(c.in)
		if !equalStrings(got, c.want) {
			t.Errorf("SplitCommand(%q) = %#v, want %#v", c.in, got, c.want)
		}
	}
}

func TestSplitShellLike(t *testing.T) {
	got := SplitShellLike(`cmd "a b" c\ d 'e'`)
	want := []string{"cmd", "a b", "c d", "e"}
	if !equalStrings(got, want) {
		t.Errorf("SplitShellLike = %#v, want %#v", got, want)
	}
}

func TestParseLoadsSections(t *testing.T) {
	src := `
[daemon]
pidfile = /tmp/tm.pid

[program:sleeper]
command = /bin/sleep 3600
auto_restart = false
exit_codes = 0,2
`
	f, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Daemon.PIDFile != "/tmp/tm.pid" {
		t.Errorf("pidfile = %q", f.Daemon.PIDFile)
	}
	if len(f.Programs) != 1 || f.Programs[0].Name != "sleeper" {
		t.Fatalf("programs = %#v", f.Programs)
	}
	if f.Programs[0].AutoRestart != RestartNever {
		t.Errorf("auto_restart = %v", f.Programs[0].AutoRestart)
	}
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	a := Default()
	a.Name, a.Command = "x", "/bin/true"
	b := Default()
	b.Name, b.Command = "x", "/bin/false"
	if err := ValidateAll([]ProgramConfig{a, b}); err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
