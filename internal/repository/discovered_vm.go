package repository

import (
	"context"

	"vmmigrator/internal/model"
)

// DiscoveredVMRepository reads the discovery catalog. Create exists for
// seeding and tests; the engine never writes catalog rows.
type DiscoveredVMRepository interface {
	Create(ctx context.Context, vm *model.DiscoveredVM) error
	// Find returns every row named name; an empty source matches any source.
	Find(ctx context.Context, name string, source model.VMSource) ([]*model.DiscoveredVM, error)
	List(ctx context.Context, source model.VMSource) ([]*model.DiscoveredVM, error)
}

func NewDiscoveredVMRepository(r *Repository) DiscoveredVMRepository {
	return &discoveredVMRepository{Repository: r}
}

type discoveredVMRepository struct {
	*Repository
}

func (r *discoveredVMRepository) Create(ctx context.Context, vm *model.DiscoveredVM) error {
	return r.DB(ctx).Create(vm).Error
}

func (r *discoveredVMRepository) Find(ctx context.Context, name string, source model.VMSource) ([]*model.DiscoveredVM, error) {
	var vms []*model.DiscoveredVM
	query := r.DB(ctx).Where("name = ?", name)
	if source != "" {
		query = query.Where("source = ?", source)
	}
	if err := query.Order("last_seen DESC").Order("id ASC").Find(&vms).Error; err != nil {
		return nil, err
	}
	return vms, nil
}

func (r *discoveredVMRepository) List(ctx context.Context, source model.VMSource) ([]*model.DiscoveredVM, error) {
	var vms []*model.DiscoveredVM
	query := r.DB(ctx).Model(&model.DiscoveredVM{})
	if source != "" {
		query = query.Where("source = ?", source)
	}
	if err := query.Order("last_seen DESC").Order("name ASC").Find(&vms).Error; err != nil {
		return nil, err
	}
	return vms, nil
}
