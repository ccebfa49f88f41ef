package config

import "sync"

var (
	_instance     ConfigManager
	_instanceOnce sync.Once
	_instanceMu   sync.RWMutex
)

// GetInstance returns the process wide ConfigManager.
func GetInstance() ConfigManager {
	_instanceOnce.Do(func() {
		_instanceMu.Lock()
		if _instance == nil {
			_instance = NewConfigManager()
		}
		_instanceMu.Unlock()
	})

	_instanceMu.RLock()
	defer _instanceMu.RUnlock()
	return _instance
}

// SetInstanceForTesting replaces the singleton.
func SetInstanceForTesting(cm ConfigManager) {
	_instanceOnce.Do(func() {})
	_instanceMu.Lock()
	_instance = cm
	_instanceMu.Unlock()
}

// ResetInstance drops the singleton so the next GetInstance builds a fresh one.
func ResetInstance() {
	_instanceMu.Lock()
	_instance = nil
	_instanceOnce = sync.Once{}
	_instanceMu.Unlock()
}
