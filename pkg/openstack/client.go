// Package openstack adapts goose's nova, neutron, cinder and glance clients
// to the narrow set of calls the deployment orchestrator needs.
package openstack

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/go-goose/goose/v5/cinder"
	"github.com/go-goose/goose/v5/client"
	gooseerrors "github.com/go-goose/goose/v5/errors"
	goosehttp "github.com/go-goose/goose/v5/http"
	"github.com/go-goose/goose/v5/identity"
	"github.com/go-goose/goose/v5/neutron"
	"github.com/go-goose/goose/v5/nova"
	"github.com/juju/errors"
)

const (
	imageService = "image"
	imageVersion = "v2"
)

type Client struct {
	auth    client.AuthenticatingClient
	nova    *nova.Client
	neutron *neutron.Client
	cinder  *cinder.Client

	// volume actions cinder.Client has no call for
	volumeURL  *url.URL
	volumeHTTP *goosehttp.Client
}

func NewClient(cfg Config) (*Client, error) {
	if !cfg.Configured() {
		return nil, errors.NotValidf("openstack config without auth_url, username or project_name")
	}
	creds := &identity.Credentials{
		URL:           cfg.AuthURL,
		User:          cfg.Username,
		Secrets:       cfg.Password,
		Region:        cfg.Region,
		TenantName:    cfg.ProjectName,
		UserDomain:    cfg.UserDomainName,
		ProjectDomain: cfg.ProjectDomainName,
	}
	var auth client.AuthenticatingClient
	if cfg.Insecure {
		auth = client.NewNonValidatingClient(creds, identity.AuthUserPassV3, nil)
	} else {
		auth = client.NewClient(creds, identity.AuthUserPassV3, nil)
	}
	if err := auth.Authenticate(); err != nil {
		if gooseerrors.IsUnauthorised(err) {
			return nil, errors.Annotatef(err, "authentication failed for user %q in project %q", cfg.Username, cfg.ProjectName)
		}
		return nil, errors.Annotate(err, "authentication failed")
	}

	endpoint, ok := auth.EndpointsForRegion(cfg.Region)["volume"]
	if !ok {
		return nil, errors.Errorf("volume endpoint not found for region %q", cfg.Region)
	}
	endpointURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Annotate(err, "error parsing volume endpoint")
	}

	volumeURL := *endpointURL
	if !strings.HasSuffix(volumeURL.Path, "/") {
		volumeURL.Path += "/"
	}
	volumeHTTP := goosehttp.New()
	volumeHTTP.Client = http.Client{Transport: cinder.SetAuthHeaderFn(auth.Token, http.DefaultClient.Do)}

	return &Client{
		auth:       auth,
		nova:       nova.New(auth),
		neutron:    neutron.New(auth),
		cinder:     cinder.Basic(endpointURL, auth.TenantId(), auth.Token),
		volumeURL:  &volumeURL,
		volumeHTTP: volumeHTTP,
	}, nil
}

func (c *Client) ListFlavors(ctx context.Context) ([]Flavor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	details, err := c.nova.ListFlavorsDetail()
	if err != nil {
		return nil, errors.Annotate(err, "listing flavors")
	}
	flavors := make([]Flavor, 0, len(details))
	for _, d := range details {
		flavors = append(flavors, Flavor{ID: d.Id, Name: d.Name, VCPUs: d.VCPUs, RAMMB: d.RAM, DiskGB: d.Disk})
	}
	return flavors, nil
}

// GetFlavor matches ref against flavor ids first, then names.
func (c *Client) GetFlavor(ctx context.Context, ref string) (*Flavor, error) {
	flavors, err := c.ListFlavors(ctx)
	if err != nil {
		return nil, err
	}
	for i := range flavors {
		if flavors[i].ID == ref {
			return &flavors[i], nil
		}
	}
	for i := range flavors {
		if flavors[i].Name == ref {
			return &flavors[i], nil
		}
	}
	return nil, nil
}

func (c *Client) ListNetworks(ctx context.Context) ([]Network, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nets, err := c.neutron.ListNetworksV2()
	if err != nil {
		return nil, errors.Annotate(err, "listing networks")
	}
	result := make([]Network, 0, len(nets))
	for _, n := range nets {
		result = append(result, Network{ID: n.Id, Name: n.Name, External: n.External})
	}
	return result, nil
}

type glanceImage struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	DiskFormat  string `json:"disk_format"`
	Size        *int64 `json:"size"`
	VirtualSize *int64 `json:"virtual_size"`
	MinDisk     int    `json:"min_disk"`
}

func (g glanceImage) toImage() *Image {
	img := &Image{ID: g.ID, Name: g.Name, Status: g.Status, DiskFormat: g.DiskFormat, MinDisk: g.MinDisk}
	if g.Size != nil {
		img.Size = *g.Size
	}
	if g.VirtualSize != nil {
		img.VirtualSize = *g.VirtualSize
	}
	return img
}

func (c *Client) GetImage(ctx context.Context, id string) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var resp glanceImage
	err := c.auth.SendRequest(http.MethodGet, imageService, imageVersion, "images/"+id, &goosehttp.RequestData{
		RespValue:      &resp,
		ExpectedStatus: []int{http.StatusOK},
	})
	if gooseerrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "getting image %s", id)
	}
	return resp.toImage(), nil
}

func (c *Client) FindImageByName(ctx context.Context, name string) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var resp struct {
		Images []glanceImage `json:"images"`
	}
	params := url.Values{}
	params.Set("name", name)
	err := c.auth.SendRequest(http.MethodGet, imageService, imageVersion, "images", &goosehttp.RequestData{
		Params:         &params,
		RespValue:      &resp,
		ExpectedStatus: []int{http.StatusOK},
	})
	if err != nil {
		return nil, errors.Annotatef(err, "finding image %q", name)
	}
	for _, img := range resp.Images {
		if img.Name == name {
			return img.toImage(), nil
		}
	}
	return nil, nil
}

func (c *Client) CreateImage(ctx context.Context, opts CreateImageOpts) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := map[string]string{
		"name":             opts.Name,
		"disk_format":      opts.DiskFormat,
		"container_format": "bare",
		"visibility":       "private",
	}
	var resp glanceImage
	err := c.auth.SendRequest(http.MethodPost, imageService, imageVersion, "images", &goosehttp.RequestData{
		ReqValue:       req,
		RespValue:      &resp,
		ExpectedStatus: []int{http.StatusCreated, http.StatusOK},
	})
	if err != nil {
		return nil, errors.Annotatef(err, "creating image %q", opts.Name)
	}
	return resp.toImage(), nil
}

// UploadImageData streams the file at path into a queued image.
func (c *Client) UploadImageData(ctx context.Context, id, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.Trace(err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return errors.Trace(err)
	}
	err = c.auth.SendRequest(http.MethodPut, imageService, imageVersion, "images/"+id+"/file", &goosehttp.RequestData{
		ReqReader:      f,
		ReqLength:      int(info.Size()),
		ExpectedStatus: []int{http.StatusNoContent, http.StatusOK},
	})
	return errors.Annotatef(err, "uploading %s to image %s", path, id)
}

func (c *Client) DeleteImage(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.auth.SendRequest(http.MethodDelete, imageService, imageVersion, "images/"+id, &goosehttp.RequestData{
		ExpectedStatus: []int{http.StatusNoContent, http.StatusOK},
	})
	if err != nil && !gooseerrors.IsNotFound(err) {
		return errors.Annotatef(err, "deleting image %s", id)
	}
	return nil
}

func toVolume(v *cinder.Volume) *Volume {
	return &Volume{ID: v.ID, Name: v.Name, Status: v.Status, SizeGB: v.Size}
}

func (c *Client) GetVolume(ctx context.Context, id string) (*Volume, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := c.cinder.GetVolume(id)
	if err == nil {
		return toVolume(&resp.Volume), nil
	}
	if gooseerrors.IsNotFound(err) {
		return nil, nil
	}
	// Older cinder endpoints do not map 404 onto a typed error; confirm
	// against the detail listing before reporting a failure.
	all, listErr := c.cinder.GetVolumesDetail()
	if listErr != nil {
		return nil, errors.Annotatef(err, "getting volume %s", id)
	}
	for i := range all.Volumes {
		if all.Volumes[i].ID == id {
			return nil, errors.Annotatef(err, "getting volume %s", id)
		}
	}
	return nil, nil
}

func (c *Client) FindVolumeByName(ctx context.Context, name string) (*Volume, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	all, err := c.cinder.GetVolumesDetail()
	if err != nil {
		return nil, errors.Annotate(err, "listing volumes")
	}
	for i := range all.Volumes {
		if all.Volumes[i].Name == name {
			return toVolume(&all.Volumes[i]), nil
		}
	}
	return nil, nil
}

func (c *Client) CreateVolume(ctx context.Context, opts CreateVolumeOpts) (*Volume, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var metadata interface{}
	if len(opts.Metadata) > 0 {
		metadata = opts.Metadata
	}
	resp, err := c.cinder.CreateVolume(cinder.CreateVolumeVolumeParams{
		Name:     opts.Name,
		Size:     opts.SizeGB,
		ImageRef: opts.ImageID,
		Metadata: metadata,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "creating volume %q", opts.Name)
	}
	return toVolume(&resp.Volume), nil
}

func (c *Client) DeleteVolume(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.cinder.DeleteVolume(id)
	if err != nil && !gooseerrors.IsNotFound(err) {
		return errors.Annotatef(err, "deleting volume %s", id)
	}
	return nil
}

// ForceDeleteVolume sends the os-force_delete volume action, which cinder
// accepts whatever the attach state of the volume.
func (c *Client) ForceDeleteVolume(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	action := c.volumeURL.ResolveReference(&url.URL{Path: "volumes/" + id + "/action"})
	err := c.volumeHTTP.JsonRequest(client.POST, action.String(), "", &goosehttp.RequestData{
		ReqValue:       map[string]interface{}{"os-force_delete": struct{}{}},
		ExpectedStatus: []int{http.StatusAccepted},
	}, nil)
	if err != nil && !gooseerrors.IsNotFound(err) {
		return errors.Annotatef(err, "force-deleting volume %s", id)
	}
	return nil
}

// GetServer treats a server reported as DELETED as gone.
func (c *Client) GetServer(ctx context.Context, id string) (*Server, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	detail, err := c.nova.GetServer(id)
	if gooseerrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "getting server %s", id)
	}
	if detail.Status == nova.StatusDeleted {
		return nil, nil
	}
	return &Server{ID: detail.Id, Name: detail.Name, Status: detail.Status}, nil
}

func (c *Client) FindServerByName(ctx context.Context, name string) (*Server, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filter := nova.NewFilter()
	filter.Set(nova.FilterServer, name)
	servers, err := c.nova.ListServersDetail(filter)
	if err != nil {
		return nil, errors.Annotatef(err, "finding server %q", name)
	}
	// the name filter is a regex on the nova side
	for _, s := range servers {
		if s.Name == name && s.Status != nova.StatusDeleted {
			return &Server{ID: s.Id, Name: s.Name, Status: s.Status}, nil
		}
	}
	return nil, nil
}

func (c *Client) CreateServer(ctx context.Context, opts CreateServerOpts) (*Server, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entity, err := c.nova.RunServer(nova.RunServerOpts{
		Name:     opts.Name,
		FlavorId: opts.FlavorID,
		Networks: []nova.ServerNetworks{{NetworkId: opts.NetworkID, FixedIp: opts.FixedIP}},
		BlockDeviceMappings: []nova.BlockDeviceMapping{{
			BootIndex:       0,
			UUID:            opts.BootVolumeID,
			SourceType:      "volume",
			DestinationType: "volume",
		}},
	})
	if err != nil {
		return nil, errors.Annotatef(err, "creating server %q", opts.Name)
	}
	if entity == nil {
		return nil, errors.Errorf("nova returned no server for %q", opts.Name)
	}
	return &Server{ID: entity.Id, Name: opts.Name}, nil
}

func (c *Client) DeleteServer(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.nova.DeleteServer(id)
	if err != nil && !gooseerrors.IsNotFound(err) {
		return errors.Annotatef(err, "deleting server %s", id)
	}
	return nil
}

// ListVolumeAttachments returns the ids of volumes attached to the server.
func (c *Client) ListVolumeAttachments(ctx context.Context, serverID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	attachments, err := c.nova.ListVolumeAttachments(serverID)
	if err != nil {
		return nil, errors.Annotatef(err, "listing attachments of server %s", serverID)
	}
	ids := make([]string, 0, len(attachments))
	for _, a := range attachments {
		ids = append(ids, a.VolumeId)
	}
	return ids, nil
}

func (c *Client) AttachVolume(ctx context.Context, serverID, volumeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// an empty device lets nova pick the mount point
	_, err := c.nova.AttachVolume(serverID, volumeID, "")
	return errors.Annotatef(err, "attaching volume %s to server %s", volumeID, serverID)
}
