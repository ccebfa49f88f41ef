// Package plugin builds the daemon's pluggable backends (power source, server
// discovery, sensor store) from the "plugin" config section.
package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lcx/btpm/config"
	"github.com/lcx/btpm/log"
)

// Type is a category of backend.
type Type string

const (
	// DevM is the adapter power source.
	DevM Type = "devm"
	// Discovery publishes and resolves the daemon address.
	Discovery Type = "discovery"
	// DB stores remembered sensors.
	DB Type = "db"
)

const (
	DefaultInsName = "default" // DefaultInsName is the default instance name when not specified in config.
)

// PluginConfig maps plugin type to factory key to instance settings.
// Example YAML:
//
//	devm:
//	  bluez:
//	    adapter: hci0
//	db:
//	  sqlite:
//	    dsn: /var/lib/btpm/sensors.db
//	discovery:
//	  consul_main:
//	    addr: 127.0.0.1:8500
//	    tag: main  # Instance name (optional, defaults to "default")
type PluginConfig map[string]map[string]map[string]any

func (c *PluginConfig) GetName() string {
	return "plugin"
}

// Validate rejects empty factory and instance sections. An empty config is fine.
func (c *PluginConfig) Validate() error {
	if c == nil {
		return nil
	}
	for pluginType, factories := range *c {
		if len(factories) == 0 {
			return fmt.Errorf("plugin type %s has no factory config", pluginType)
		}
		for factoryName, instances := range factories {
			if instances == nil {
				return fmt.Errorf("plugin %s_%s has no instance config", pluginType, factoryName)
			}
		}
	}
	return nil
}

// Plugin is a backend instance.
type Plugin interface { //nolint:revive
	FactoryName() string
}

type pluginMgr struct {
	insMap map[string]map[string]map[string]Plugin
}

var (
	_pluginLock sync.RWMutex
	_pluginMgr  = &pluginMgr{insMap: make(map[string]map[string]map[string]Plugin)}
)

type setupRecord struct {
	ft, fn, pn string
	ins        Plugin
}

// RegisterPlugin makes a factory available. Call it from init.
func RegisterPlugin(f Factory) {
	_pluginLock.Lock()
	defer _pluginLock.Unlock()
	_factoryMap[fmt.Sprintf("%s_%s", f.Type(), f.Name())] = f
}

// InitPlugins loads the "plugin" section from the config singleton, builds
// every instance and follows later reloads.
func InitPlugins() error {
	cm := config.GetInstance()

	cfg := PluginConfig{}
	if err := cm.LoadConfig("plugin", &cfg); err != nil {
		return fmt.Errorf("load plugin config failed: %w", err)
	}
	if err := SetupPlugins(cfg); err != nil {
		return err
	}

	cm.AddChangeListener(_pluginMgr)
	log.Info().Msg("plugin manager registered as config change listener")
	return nil
}

// SetupPlugins builds every instance in cfg. Instances built before a failure
// are destroyed again.
func SetupPlugins(cfg PluginConfig) error {
	_pluginLock.Lock()
	defer _pluginLock.Unlock()

	initialized, err := setupLocked(cfg, nil)
	if err != nil {
		rollbackLocked(initialized)
		return err
	}
	log.Info().Int("count", len(initialized)).Msg("InitPlugins success")
	return nil
}

// setupLocked builds the instances of cfg whose key is not in skip.
func setupLocked(cfg PluginConfig, skip map[string]bool) ([]setupRecord, error) {
	var initialized []setupRecord
	for _, ft := range sortedKeys(cfg) {
		haveDefault := false
		for _, k := range sortedKeys(cfg[ft]) {
			c := cfg[ft][k]
			fn := getFactoryName(k)
			pn := getPluginNameFromCfg(c)
			if skip[instanceKey(ft, fn, pn)] {
				if pn == DefaultInsName {
					haveDefault = true
				}
				continue
			}

			f := _factoryMap[fmt.Sprintf("%s_%s", ft, fn)]
			if f == nil {
				return initialized, fmt.Errorf("plugin factory [%s/%s] not found, available factories: %v",
					ft, fn, listAvailableFactoriesLocked(ft))
			}

			if pn == DefaultInsName {
				if haveDefault {
					return initialized, fmt.Errorf("plugin type [%s] default instance already exists", ft)
				}
				haveDefault = true
			}

			log.Info().Str("type", string(f.Type())).Str("name", f.Name()).Msg("plugin setup begin")
			ins, err := f.Setup(c)
			if err != nil {
				return initialized, fmt.Errorf("plugin [%s/%s] setup failed: %w", ft, fn, err)
			}
			if err := registerPluginInsLocked(ft, fn, pn, ins); err != nil {
				_ = f.Destroy(ins, nil)
				return initialized, err
			}
			initialized = append(initialized, setupRecord{ft, fn, pn, ins})

			log.Info().Str("type", ft).Str("name", fn).Str("instance", pn).Msg("plugin setup success")
		}
	}
	return initialized, nil
}

func registerPluginInsLocked(ft, fn, pn string, ins Plugin) error {
	if ins == nil {
		return fmt.Errorf("plugin [%s/%s/%s] setup returned nil", ft, fn, pn)
	}
	byFactory, ok := _pluginMgr.insMap[ft]
	if !ok {
		byFactory = make(map[string]map[string]Plugin)
		_pluginMgr.insMap[ft] = byFactory
	}
	byName, ok := byFactory[fn]
	if !ok {
		byName = make(map[string]Plugin)
		byFactory[fn] = byName
	}
	if _, exists := byName[pn]; exists {
		return fmt.Errorf("plugin instance [%s/%s/%s] already exists", ft, fn, pn)
	}
	byName[pn] = ins
	return nil
}

func unregisterPluginInsLocked(ft, fn, pn string) {
	if byFactory, ok := _pluginMgr.insMap[ft]; ok {
		if byName, ok := byFactory[fn]; ok {
			delete(byName, pn)
			if len(byName) == 0 {
				delete(byFactory, fn)
			}
		}
		if len(byFactory) == 0 {
			delete(_pluginMgr.insMap, ft)
		}
	}
}

// rollbackLocked destroys the given instances newest first.
func rollbackLocked(plugins []setupRecord) {
	if len(plugins) == 0 {
		return
	}
	log.Warn().Int("count", len(plugins)).Msg("rolling back initialized plugins...")

	for i := len(plugins) - 1; i >= 0; i-- {
		p := plugins[i]
		unregisterPluginInsLocked(p.ft, p.fn, p.pn)
		factory := _factoryMap[fmt.Sprintf("%s_%s", p.ft, p.fn)]
		if factory == nil {
			continue
		}
		if err := factory.Destroy(p.ins, nil); err != nil {
			log.Error().Err(err).Str("type", p.ft).Str("factory", p.fn).
				Str("instance", p.pn).Msg("rollback failed")
		}
	}
}

// OnConfigChanged applies a changed "plugin" section. Instances whose key is
// unchanged are reloaded in place; the rest are destroyed and rebuilt.
func (pm *pluginMgr) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "plugin" {
		return nil
	}
	newPluginConfig, ok := newConfig.(*PluginConfig)
	if !ok {
		return fmt.Errorf("invalid config type: expected *PluginConfig, got %T", newConfig)
	}

	_pluginLock.Lock()
	defer _pluginLock.Unlock()

	for ft, factories := range pm.insMap {
		for fn, instances := range factories {
			factory := _factoryMap[fmt.Sprintf("%s_%s", ft, fn)]
			if factory == nil {
				continue
			}
			for pn, ins := range instances {
				if !factory.CanDelete(ins) {
					return fmt.Errorf("plugin [%s/%s/%s] cannot be deleted right now", ft, fn, pn)
				}
			}
		}
	}

	reloaded := make(map[string]bool)
	for ft, s := range *newPluginConfig {
		for k, c := range s {
			fn := getFactoryName(k)
			pn := getPluginNameFromCfg(c)
			ins, ok := pm.insMap[ft][fn][pn]
			factory := _factoryMap[fmt.Sprintf("%s_%s", ft, fn)]
			if !ok || factory == nil {
				continue
			}
			if err := factory.Reload(ins, c); err != nil {
				log.Warn().Err(err).Str("type", ft).Str("factory", fn).Str("instance", pn).
					Msg("hot reload failed, will recreate plugin")
				continue
			}
			reloaded[instanceKey(ft, fn, pn)] = true
		}
	}

	for ft, factories := range pm.insMap {
		for fn, instances := range factories {
			factory := _factoryMap[fmt.Sprintf("%s_%s", ft, fn)]
			for pn, ins := range instances {
				if reloaded[instanceKey(ft, fn, pn)] {
					continue
				}
				delete(instances, pn)
				if factory == nil {
					continue
				}
				if err := factory.Destroy(ins, nil); err != nil {
					log.Error().Err(err).Str("type", ft).Str("factory", fn).Str("instance", pn).
						Msg("destroy plugin failed")
				}
			}
		}
	}

	created, err := setupLocked(*newPluginConfig, reloaded)
	if err != nil {
		rollbackLocked(created)
		return err
	}

	log.Info().Int("reloaded", len(reloaded)).Int("recreated", len(created)).
		Msg("all plugins hot reload completed")
	return nil
}

// DestroyAll tears down every instance.
func DestroyAll() {
	_pluginLock.Lock()
	defer _pluginLock.Unlock()

	for ft, factories := range _pluginMgr.insMap {
		for fn, instances := range factories {
			factory := _factoryMap[fmt.Sprintf("%s_%s", ft, fn)]
			for pn, ins := range instances {
				if factory == nil {
					continue
				}
				if err := factory.Destroy(ins, nil); err != nil {
					log.Error().Err(err).Str("type", ft).Str("factory", fn).Str("instance", pn).
						Msg("destroy plugin failed")
				}
			}
		}
	}
	_pluginMgr.insMap = make(map[string]map[string]map[string]Plugin)
}

func instanceKey(ft, fn, pn string) string {
	return fmt.Sprintf("%s/%s/%s", ft, fn, pn)
}

// getPluginNameFromCfg reads the instance name from the "tag" item.
func getPluginNameFromCfg(c map[string]any) string {
	t, ok := c["tag"]
	if !ok {
		return DefaultInsName
	}
	tag, ok := t.(string)
	if !ok || tag == "" {
		return DefaultInsName
	}
	return tag
}

func getFactoryName(fn string) string {
	return strings.Split(fn, "_")[0]
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetPlugin looks up an instance.
// ft: plugin type (e.g., "db")
// fn: factory name (e.g., "sqlite")
// pn: instance name (e.g., "default")
func GetPlugin(ft Type, fn, pn string) (Plugin, error) {
	_pluginLock.RLock()
	defer _pluginLock.RUnlock()

	typeMap, ok := _pluginMgr.insMap[string(ft)]
	if !ok {
		return nil, fmt.Errorf("plugin type [%s] not registered", ft)
	}
	factoryMap, ok := typeMap[fn]
	if !ok {
		return nil, fmt.Errorf("plugin factory [%s/%s] not found", ft, fn)
	}
	ins, ok := factoryMap[pn]
	if !ok {
		return nil, fmt.Errorf("plugin instance [%s/%s/%s] not found", ft, fn, pn)
	}
	return ins, nil
}

// GetDefaultPlugin looks up the default instance of a factory.
func GetDefaultPlugin(ft Type, fn string) (Plugin, error) {
	return GetPlugin(ft, fn, DefaultInsName)
}

// GetTypePlugin returns the default instance of whichever factory of ft is
// configured, e.g. the one power source. Factories are tried in name order.
func GetTypePlugin(ft Type) (Plugin, error) {
	_pluginLock.RLock()
	defer _pluginLock.RUnlock()

	typeMap, ok := _pluginMgr.insMap[string(ft)]
	if !ok {
		return nil, fmt.Errorf("plugin type [%s] not registered", ft)
	}
	for _, fn := range sortedKeys(typeMap) {
		if ins, ok := typeMap[fn][DefaultInsName]; ok {
			return ins, nil
		}
	}
	return nil, fmt.Errorf("plugin type [%s] has no default instance", ft)
}

// ListPlugins lists instances by "type/factory", for the admin API.
func ListPlugins() map[string][]string {
	_pluginLock.RLock()
	defer _pluginLock.RUnlock()

	result := make(map[string][]string)
	for ft, typeMap := range _pluginMgr.insMap {
		for fn, factoryMap := range typeMap {
			key := fmt.Sprintf("%s/%s", ft, fn)
			for pn := range factoryMap {
				result[key] = append(result[key], pn)
			}
			sort.Strings(result[key])
		}
	}
	return result
}

func listAvailableFactoriesLocked(ft string) []string {
	var factories []string
	for key := range _factoryMap {
		if strings.HasPrefix(key, ft+"_") {
			factories = append(factories, strings.TrimPrefix(key, ft+"_"))
		}
	}
	sort.Strings(factories)
	return factories
}
