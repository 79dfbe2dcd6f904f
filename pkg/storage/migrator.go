package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/openfga/kvrel/pkg/logger"
)

// MigrationProvider runs the schema migrations of one SQL engine. Applications embedding
// kvrel may register their own provider to replace the built-in goose migrations.
type MigrationProvider interface {
	// RunMigrations migrates the database to config.TargetVersion, or to the latest version
	// if TargetVersion is zero.
	RunMigrations(ctx context.Context, config MigrationConfig) error

	// GetCurrentVersion returns the current migration version of the database.
	GetCurrentVersion(ctx context.Context, config MigrationConfig) (int64, error)

	// GetSupportedEngine returns the engine name the provider serves.
	GetSupportedEngine() string
}

// MigrationConfig contains the configuration needed for running migrations.
type MigrationConfig struct {
	Engine        string
	URI           string
	TargetVersion uint
	Timeout       time.Duration
	Verbose       bool
	Username      string
	Password      string
	Logger        logger.Logger
}

// MigratorRegistry maps engine names to migration providers. It is safe for concurrent use.
type MigratorRegistry struct {
	mu        sync.RWMutex
	providers map[string]MigrationProvider
}

func NewMigratorRegistry() *MigratorRegistry {
	return &MigratorRegistry{
		providers: make(map[string]MigrationProvider),
	}
}

// RegisterProvider registers provider for engine, replacing any previous registration.
func (r *MigratorRegistry) RegisterProvider(engine string, provider MigrationProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[engine] = provider
}

func (r *MigratorRegistry) GetProvider(engine string) (MigrationProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, exists := r.providers[engine]
	return provider, exists
}

// GetSupportedEngines returns the registered engine names in lexical order.
func (r *MigratorRegistry) GetSupportedEngines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	engines := make([]string, 0, len(r.providers))
	for engine := range r.providers {
		engines = append(engines, engine)
	}
	slices.Sort(engines)
	return engines
}
