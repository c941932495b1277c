package logs

import (
	"strings"
	"time"

	"github.com/plxctl/plx/internal/offline"
	"github.com/plxctl/plx/internal/types"
)

// PlatformMainContainer is the name the platform gives the main container
// of a run.
const PlatformMainContainer = "polyaxon-main"

// TimeLayout is the timestamp prefix of a rendered line.
const TimeLayout = "2006-01-02 15:04:05"

// Formatter renders log lines for the terminal. It only decides what is
// printed, never the order.
type Formatter struct {
	HideTime      bool
	AllContainers bool
	AllInfo       bool
	// MainContainer is the container shown when AllContainers is off, next
	// to PlatformMainContainer and unnamed lines.
	MainContainer string
	// Location defaults to the local zone.
	Location *time.Location
}

// Keep reports whether line is shown at all.
func (f Formatter) Keep(line types.LogLine) bool {
	if f.AllContainers {
		return true
	}
	switch line.Container {
	case "", offline.DefaultContainer, PlatformMainContainer:
		return true
	}
	if f.MainContainer != "" && line.Container == f.MainContainer {
		return true
	}
	return false
}

// Format renders line without a trailing newline.
func (f Formatter) Format(line types.LogLine) string {
	var b strings.Builder
	if !f.HideTime && !line.Timestamp.IsZero() {
		loc := f.Location
		if loc == nil {
			loc = time.Local
		}
		b.WriteString(line.Timestamp.In(loc).Format(TimeLayout))
		b.WriteString(" | ")
	}
	if f.AllInfo {
		for _, tag := range []string{line.Node, line.Pod, line.Container} {
			if tag == "" {
				continue
			}
			b.WriteString(tag)
			b.WriteString(" | ")
		}
	} else if f.AllContainers && line.Container != "" {
		b.WriteString(line.Container)
		b.WriteString(" | ")
	}
	b.WriteString(strings.TrimRight(line.Value, "\r\n"))
	return b.String()
}
