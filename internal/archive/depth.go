package archive

import (
	"fmt"
	"strings"
	"time"
)

// DepthMode selects the stop condition of a pagination pass.
type DepthMode string

const (
	DepthFull   DepthMode = "full"
	DepthSync   DepthMode = "sync"
	DepthWindow DepthMode = "window"
)

// Depth is a depth policy. Window is only meaningful for DepthWindow.
type Depth struct {
	Mode   DepthMode
	Window time.Duration
}

var (
	Full = Depth{Mode: DepthFull}
	Sync = Depth{Mode: DepthSync}
)

// WindowOf returns a window policy covering the last d.
func WindowOf(d time.Duration) Depth {
	return Depth{Mode: DepthWindow, Window: d}
}

// String renders the policy as "full", "sync" or "window=<duration>".
func (d Depth) String() string {
	if d.Mode == DepthWindow {
		return fmt.Sprintf("%s=%s", DepthWindow, d.Window)
	}
	return string(d.Mode)
}

// ParseDepth parses the String form.
func ParseDepth(s string) (Depth, error) {
	switch s {
	case string(DepthFull):
		return Full, nil
	case string(DepthSync):
		return Sync, nil
	}
	if rest, ok := strings.CutPrefix(s, string(DepthWindow)+"="); ok {
		w, err := time.ParseDuration(rest)
		if err != nil {
			return Depth{}, fmt.Errorf("invalid window %q: %w", rest, err)
		}
		if w <= 0 {
			return Depth{}, fmt.Errorf("window must be positive, got %s", w)
		}
		return WindowOf(w), nil
	}
	return Depth{}, fmt.Errorf("unknown depth %q: want full, sync or window=<duration>", s)
}

func (d Depth) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Depth) UnmarshalText(b []byte) error {
	parsed, err := ParseDepth(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
