// Package openstacktest provides an in-memory cloud for engine tests.
package openstacktest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"vmmigrator/pkg/openstack"
)

// Cloud is a stateful in-memory stand-in for openstack.Client. New
// resources move to their ready state on the first read after creation.
type Cloud struct {
	mu sync.Mutex

	flavors     []openstack.Flavor
	networks    []openstack.Network
	images      map[string]*openstack.Image
	volumes     map[string]*openstack.Volume
	servers     map[string]*openstack.Server
	attachments map[string][]string

	seq   int
	calls map[string]int

	// ImageFinalStatus is the status an uploaded image settles in.
	ImageFinalStatus string
	// ServerFinalStatus is the status a booting server settles in.
	ServerFinalStatus string
	// FailCreateImage makes the next n CreateImage calls fail.
	FailCreateImage int
	// ServerDeleteReads is how many GetServer reads a deleted server
	// survives. Its volumes stay in-use until it is gone.
	ServerDeleteReads int
	// KeepVolumesAttached leaves the volumes of a deleted server detaching.
	KeepVolumesAttached bool

	deleting map[string]int
}

func NewCloud() *Cloud {
	return &Cloud{
		flavors: []openstack.Flavor{
			{ID: "f-small", Name: "m1.small", VCPUs: 1, RAMMB: 2048, DiskGB: 20},
			{ID: "f-medium", Name: "m1.medium", VCPUs: 2, RAMMB: 4096, DiskGB: 40},
			{ID: "f-large", Name: "m1.large", VCPUs: 4, RAMMB: 8192, DiskGB: 80},
		},
		networks: []openstack.Network{
			{ID: "n-ext", Name: "public", External: true},
			{ID: "n-int", Name: "private"},
		},
		images:            map[string]*openstack.Image{},
		volumes:           map[string]*openstack.Volume{},
		servers:           map[string]*openstack.Server{},
		attachments:       map[string][]string{},
		calls:             map[string]int{},
		deleting:          map[string]int{},
		ImageFinalStatus:  openstack.ImageStatusActive,
		ServerFinalStatus: openstack.ServerStatusActive,
	}
}

func (f *Cloud) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

// Count reports how often a mutating call was made.
func (f *Cloud) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Cloud) ListFlavors(context.Context) ([]openstack.Flavor, error) {
	return f.flavors, nil
}

func (f *Cloud) GetFlavor(_ context.Context, ref string) (*openstack.Flavor, error) {
	for i := range f.flavors {
		if f.flavors[i].ID == ref || f.flavors[i].Name == ref {
			return &f.flavors[i], nil
		}
	}
	return nil, nil
}

func (f *Cloud) ListNetworks(context.Context) ([]openstack.Network, error) {
	return f.networks, nil
}

func (f *Cloud) GetImage(_ context.Context, id string) (*openstack.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[id]
	if !ok {
		return nil, nil
	}
	if img.Status == "saving" {
		img.Status = f.ImageFinalStatus
	}
	cp := *img
	return &cp, nil
}

func (f *Cloud) FindImageByName(_ context.Context, name string) (*openstack.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, img := range f.images {
		if img.Name == name {
			cp := *img
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *Cloud) CreateImage(_ context.Context, opts openstack.CreateImageOpts) (*openstack.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateImage"]++
	if f.FailCreateImage > 0 {
		f.FailCreateImage--
		return nil, errors.New("glance unavailable")
	}
	img := &openstack.Image{ID: f.nextID("img"), Name: opts.Name, Status: openstack.ImageStatusQueued, DiskFormat: opts.DiskFormat}
	f.images[img.ID] = img
	cp := *img
	return &cp, nil
}

func (f *Cloud) UploadImageData(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["UploadImageData"]++
	img, ok := f.images[id]
	if !ok {
		return errors.New("no such image")
	}
	img.Status = "saving"
	img.VirtualSize = 3<<30 + 1
	return nil
}

func (f *Cloud) DeleteImage(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DeleteImage"]++
	delete(f.images, id)
	return nil
}

func (f *Cloud) GetVolume(_ context.Context, id string) (*openstack.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vol, ok := f.volumes[id]
	if !ok {
		return nil, nil
	}
	if vol.Status == "creating" {
		vol.Status = openstack.VolumeStatusAvailable
	}
	cp := *vol
	return &cp, nil
}

func (f *Cloud) FindVolumeByName(_ context.Context, name string) (*openstack.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, vol := range f.volumes {
		if vol.Name == name {
			cp := *vol
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *Cloud) CreateVolume(_ context.Context, opts openstack.CreateVolumeOpts) (*openstack.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateVolume"]++
	vol := &openstack.Volume{ID: f.nextID("vol"), Name: opts.Name, Status: "creating", SizeGB: opts.SizeGB}
	f.volumes[vol.ID] = vol
	cp := *vol
	return &cp, nil
}

// DeleteVolume refuses attached volumes the way cinder does.
func (f *Cloud) DeleteVolume(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DeleteVolume"]++
	if vol, ok := f.volumes[id]; ok {
		switch vol.Status {
		case openstack.VolumeStatusInUse, openstack.VolumeStatusDetaching:
			return fmt.Errorf("volume %s status must be available or error, but current status is: %s", id, vol.Status)
		}
	}
	delete(f.volumes, id)
	return nil
}

func (f *Cloud) ForceDeleteVolume(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ForceDeleteVolume"]++
	delete(f.volumes, id)
	return nil
}

func (f *Cloud) GetServer(_ context.Context, id string) (*openstack.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	srv, ok := f.servers[id]
	if !ok {
		return nil, nil
	}
	if left, deleting := f.deleting[id]; deleting {
		if left <= 0 {
			f.removeServer(id)
			return nil, nil
		}
		f.deleting[id] = left - 1
	}
	if srv.Status == "BUILD" {
		srv.Status = f.ServerFinalStatus
	}
	cp := *srv
	return &cp, nil
}

func (f *Cloud) FindServerByName(_ context.Context, name string) (*openstack.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, srv := range f.servers {
		if srv.Name == name {
			cp := *srv
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *Cloud) CreateServer(_ context.Context, opts openstack.CreateServerOpts) (*openstack.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateServer"]++
	srv := &openstack.Server{ID: f.nextID("srv"), Name: opts.Name, Status: "BUILD"}
	f.servers[srv.ID] = srv
	if vol, ok := f.volumes[opts.BootVolumeID]; ok {
		vol.Status = openstack.VolumeStatusInUse
		f.attachments[srv.ID] = append(f.attachments[srv.ID], vol.ID)
	}
	cp := *srv
	return &cp, nil
}

func (f *Cloud) DeleteServer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DeleteServer"]++
	if _, ok := f.servers[id]; !ok {
		return nil
	}
	if f.ServerDeleteReads > 0 {
		f.deleting[id] = f.ServerDeleteReads
		return nil
	}
	f.removeServer(id)
	return nil
}

func (f *Cloud) removeServer(id string) {
	status := openstack.VolumeStatusAvailable
	if f.KeepVolumesAttached {
		status = openstack.VolumeStatusDetaching
	}
	for _, vid := range f.attachments[id] {
		if vol, ok := f.volumes[vid]; ok {
			vol.Status = status
		}
	}
	delete(f.attachments, id)
	delete(f.deleting, id)
	delete(f.servers, id)
}

func (f *Cloud) ListVolumeAttachments(_ context.Context, serverID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.attachments[serverID]...), nil
}

func (f *Cloud) AttachVolume(_ context.Context, serverID, volumeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["AttachVolume"]++
	vol, ok := f.volumes[volumeID]
	if !ok {
		return errors.New("no such volume")
	}
	f.attachments[serverID] = append(f.attachments[serverID], volumeID)
	vol.Status = openstack.VolumeStatusInUse
	return nil
}

// Volume returns a copy of the stored volume, or nil.
func (f *Cloud) Volume(id string) *openstack.Volume {
	f.mu.Lock()
	defer f.mu.Unlock()
	vol, ok := f.volumes[id]
	if !ok {
		return nil
	}
	cp := *vol
	return &cp
}

// Detach drops an attachment behind the orchestrator's back.
func (f *Cloud) Detach(serverID, volumeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.attachments[serverID][:0]
	for _, id := range f.attachments[serverID] {
		if id != volumeID {
			kept = append(kept, id)
		}
	}
	f.attachments[serverID] = kept
	if vol, ok := f.volumes[volumeID]; ok {
		vol.Status = openstack.VolumeStatusAvailable
	}
}

// Resources reports how many images, volumes and servers exist.
func (f *Cloud) Resources() (images, volumes, servers int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.images), len(f.volumes), len(f.servers)
}
