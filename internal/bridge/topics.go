package bridge

import "fmt"

// Topics names the bridge topics under one root.
type Topics struct {
	Root string
}

// NewTopics returns the topics under root, or under pus/<spacecraft> when
// root is empty.
func NewTopics(root string, spacecraftID int) Topics {
	if root == "" {
		root = fmt.Sprintf("pus/%d", spacecraftID)
	}
	return Topics{Root: root}
}

// Telemetry carries decoded telemetry packets.
func (t Topics) Telemetry() string { return t.Root + "/tm" }

// Frames carries transfer frame metadata.
func (t Topics) Frames() string { return t.Root + "/frames" }

// Phases carries command phases reported by the release chain.
func (t Topics) Phases() string { return t.Root + "/tc/phase" }

// Announcements carries the phases announced by the packet services.
func (t Topics) Announcements() string { return t.Root + "/tc/announce" }

// Events carries raised event occurrences.
func (t Topics) Events() string { return t.Root + "/events" }

// Progress carries activity progress reports.
func (t Topics) Progress() string { return t.Root + "/activity/progress" }

// Requests carries activity start requests.
func (t Topics) Requests() string { return t.Root + "/activity/requests" }
