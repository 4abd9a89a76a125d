package gorm

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/fx"

	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/database"
	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
)

// ResolverParams are the dependencies of GormDBConnectionResolver.
type ResolverParams struct {
	fx.In
	Config    *config.Config
	Providers []database.DBProvider `group:"db_providers"`
}

// GormDBConnectionResolver picks the provider matching a connection's configured type.
type GormDBConnectionResolver struct {
	cfg       *config.Config
	providers map[string]database.DBProvider
}

var _ database.DBConnectionResolver = (*GormDBConnectionResolver)(nil)

// NewGormDBConnectionResolver creates the resolver.
func NewGormDBConnectionResolver(p ResolverParams) *GormDBConnectionResolver {
	providers := make(map[string]database.DBProvider, len(p.Providers))
	for _, dp := range p.Providers {
		providers[dp.Type()] = dp
	}
	return &GormDBConnectionResolver{cfg: p.Config, providers: providers}
}

// ResolveDBConnection resolves the connection called name.
func (r *GormDBConnectionResolver) ResolveDBConnection(ctx context.Context, name string) (database.DBConnection, error) {
	dbConfig, err := LookupConfig(r.cfg, name)
	if err != nil {
		return nil, err
	}
	provider, ok := r.providers[dbConfig.Type]
	if !ok {
		return nil, fmt.Errorf("no database provider found for type '%s' (connection '%s')", dbConfig.Type, name)
	}
	return provider.GetConnection(name)
}

// CloseAll closes the connections of every provider.
func (r *GormDBConnectionResolver) CloseAll() error {
	var result *multierror.Error
	for _, p := range r.providers {
		if err := p.CloseAll(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
