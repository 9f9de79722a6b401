package device

import "log"

// Indicator is one binary operator-visible output. On hardware this is a
// status LED; host builds log the transitions instead.
type Indicator interface {
	Set(on bool)
}

// LogIndicator implements Indicator by logging state changes.
type LogIndicator struct {
	Name string
	on   bool
}

// Set logs the transition and remembers the state.
func (i *LogIndicator) Set(on bool) {
	if i.on == on {
		return
	}
	i.on = on
	state := "off"
	if on {
		state = "on"
	}
	log.Printf("indicator %s: %s", i.Name, state)
}

// On reports the current state.
func (i *LogIndicator) On() bool {
	return i.on
}

// nullIndicator discards all updates. Used when no indicator is wired.
type nullIndicator struct{}

func (nullIndicator) Set(bool) {}
