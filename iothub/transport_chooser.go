package iothub

import "sync"

// transportChooser walks the configured transport settings in priority order.
type transportChooser struct {
	lock      sync.Mutex
	settings  []TransportSettings
	index     int
	attempts  int
	lastError error
}

func newTransportChooser(settings []TransportSettings) *transportChooser {
	chooser := &transportChooser{settings: make([]TransportSettings, 0, len(settings))}
	chooser.settings = append(chooser.settings, settings...)
	return chooser
}

// Reset selects the first setting again.
func (chooser *transportChooser) Reset() {
	if chooser == nil {
		return
	}
	chooser.lock.Lock()
	chooser.index = 0
	chooser.attempts = 0
	chooser.lastError = nil
	chooser.lock.Unlock()
}

// Current returns the selected setting, or false once every setting has failed.
func (chooser *transportChooser) Current() (TransportSettings, bool) {
	if chooser == nil {
		return TransportSettings{}, false
	}
	chooser.lock.Lock()
	defer chooser.lock.Unlock()
	if len(chooser.settings) == 0 || chooser.attempts >= len(chooser.settings) {
		return TransportSettings{}, false
	}
	if chooser.index < 0 || chooser.index >= len(chooser.settings) {
		chooser.index = 0
	}
	return chooser.settings[chooser.index], true
}

// ReportFailure records err and advances to the next setting.
func (chooser *transportChooser) ReportFailure(err error) {
	if chooser == nil {
		return
	}
	chooser.lock.Lock()
	defer chooser.lock.Unlock()
	chooser.lastError = err
	chooser.attempts++
	if len(chooser.settings) > 0 {
		chooser.index = (chooser.index + 1) % len(chooser.settings)
	}
}

// ReportSuccess clears the recorded failure.
func (chooser *transportChooser) ReportSuccess() {
	if chooser == nil {
		return
	}
	chooser.lock.Lock()
	chooser.lastError = nil
	chooser.lock.Unlock()
}

// Err returns the latest recorded failure.
func (chooser *transportChooser) Err() error {
	if chooser == nil {
		return nil
	}
	chooser.lock.Lock()
	defer chooser.lock.Unlock()
	return chooser.lastError
}
