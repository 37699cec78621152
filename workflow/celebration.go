package workflow

import (
	"time"

	"leaddesk/bus"
)

// Kind names a consequential transition.
type Kind string

const (
	KindTransfer Kind = "transfer"
	KindFTD      Kind = "ftd"
	KindUpSale   Kind = "upsale"
)

var presets = map[Kind]bus.Celebration{
	KindTransfer: {
		Kind:       string(KindTransfer),
		Particles:  150,
		Bursts:     3,
		BurstDelay: 250 * time.Millisecond,
		Duration:   3 * time.Second,
		Palette:    []string{"#3b82f6", "#60a5fa", "#93c5fd", "#ffffff"},
		Caption:    "Lead transferred!",
	},
	KindFTD: {
		Kind:       string(KindFTD),
		Particles:  300,
		Bursts:     5,
		BurstDelay: 200 * time.Millisecond,
		Duration:   5 * time.Second,
		Palette:    []string{"#f59e0b", "#fbbf24", "#fde68a", "#10b981"},
		Caption:    "First time deposit!",
	},
	KindUpSale: {
		Kind:       string(KindUpSale),
		Particles:  200,
		Bursts:     4,
		BurstDelay: 300 * time.Millisecond,
		Duration:   4 * time.Second,
		Palette:    []string{"#8b5cf6", "#a78bfa", "#c4b5fd", "#f472b6"},
		Caption:    "Up sale closed!",
	},
}

// CelebrationFor returns the overlay preset of a transition kind.
func CelebrationFor(kind Kind) (bus.Celebration, bool) {
	c, ok := presets[kind]
	if !ok {
		return bus.Celebration{}, false
	}
	c.Palette = append([]string(nil), c.Palette...)
	return c, true
}
