package plugin

// Factory builds and tears down instances of one backend.
//
// Lifecycle methods:
//   - Setup: build an instance from its config section
//   - Destroy: release connections, file handles and goroutines
//   - Reload: apply a changed config in place, or return an error to get recreated
//   - CanDelete: report whether the instance may be destroyed right now
type Factory interface {
	// Type returns the plugin type (e.g., "devm", "db")
	Type() Type

	// Name returns the factory name (e.g., "bluez", "sqlite")
	Name() string

	Setup(v map[string]any) (Plugin, error)

	Destroy(Plugin, any) error

	Reload(Plugin, map[string]any) error

	CanDelete(Plugin) bool
}

var (
	// _factoryMap stores all registered plugin factories.
	// Key format: "<plugin_type>_<factory_name>" (e.g., "db_sqlite", "devm_bluez")
	// Protected by _pluginLock.
	_factoryMap = make(map[string]Factory)
)
