package deployment

import (
	"context"
	"os"
	"strings"
	"time"

	"vmmigrator/internal/model"
	"vmmigrator/pkg/log"
	"vmmigrator/pkg/openstack"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"
)

// Request describes the converted disks of one job.
type Request struct {
	JobID        int64
	VMName       string
	Paths        []string // converted artifacts in source disk order
	PrimaryIndex int
	DiskFormat   string
	Target       Target
}

// SaveFunc persists the deployment record. Provision calls it after every
// resource it creates so that a later run, or a rollback, can find it.
type SaveFunc func(ctx context.Context, rec *model.DeploymentRecord) error

type Orchestrator struct {
	cloud  Cloud
	conf   Config
	clock  clock.Clock
	logger *log.Logger
}

func NewOrchestrator(cloud Cloud, conf Config, logger *log.Logger) *Orchestrator {
	return &Orchestrator{
		cloud:  cloud,
		conf:   conf.withDefaults(),
		clock:  clock.WallClock,
		logger: logger,
	}
}

// Provision uploads every converted disk, creates one volume per image,
// boots a server from the primary volume and attaches the rest. Ids
// already present in rec are reused, then resources with the expected
// name, so re-running after a crash creates nothing twice.
func (o *Orchestrator) Provision(ctx context.Context, req *Request, rec *model.DeploymentRecord, save SaveFunc) error {
	logger := o.logger.WithContext(ctx)
	if len(req.Paths) == 0 {
		return deploymentErrorf(nil, "Missing QCOW2 path in conversion metadata for OpenStack upload.")
	}
	format := strings.ToLower(strings.TrimSpace(req.DiskFormat))
	if format == "" {
		format = "qcow2"
	}
	if format != "qcow2" && format != "raw" {
		return deploymentErrorf(nil, "Unsupported converted disk format '%s'. Allowed: qcow2, raw.", format)
	}
	names := NewNames(o.conf.NamePrefix, req.JobID, req.VMName)

	flavor, err := o.resolveFlavor(ctx, req.Target)
	if err != nil {
		return err
	}
	networkName := req.Target.NetworkName
	if networkName == "" && req.Target.NetworkID == "" {
		networkName = o.conf.DefaultNetwork
	}
	networks, err := o.cloud.ListNetworks(ctx)
	if err != nil {
		return deploymentErrorf(err, "listing networks")
	}
	network, err := SelectNetwork(networks, req.Target.NetworkID, networkName)
	if err != nil {
		return err
	}

	rec.SourcePaths = append([]string(nil), req.Paths...)
	rec.SourceDiskCount = len(req.Paths)
	rec.OutputDiskFormat = format
	rec.FlavorID, rec.FlavorName = flavor.ID, flavor.Name
	rec.TargetCPU, rec.TargetRAM = req.Target.CPU, req.Target.RAM
	rec.NetworkID, rec.NetworkName = network.ID, network.Name
	rec.FixedIP = req.Target.FixedIP
	rec.ImageName = names.Image(0)
	rec.ImageNames = make([]string, len(req.Paths))
	for i := range req.Paths {
		rec.ImageNames[i] = names.Image(i)
	}
	rec.RequestedExtraDisksGB = req.Target.ExtraDisksGB
	if err := save(ctx, rec); err != nil {
		return err
	}

	for i, path := range req.Paths {
		existing := at(rec.ImageIDs, i)
		if existing == "" && i == 0 {
			existing = rec.ImageID
		}
		id, err := o.ensureImage(ctx, names.Image(i), path, format, existing)
		if id != "" {
			rec.ImageIDs = setAt(rec.ImageIDs, i, id)
			if i == 0 {
				rec.ImageID = id
			}
		}
		if err != nil {
			return o.saveAfterError(ctx, rec, save, id != "", err)
		}
		logger.Info("image ready", zap.Int64("job_id", req.JobID), zap.Int("disk_index", i), zap.String("image_id", id))
		if err := save(ctx, rec); err != nil {
			return err
		}
	}
	rec.ImageIDs = rec.ImageIDs[:len(req.Paths)]

	for i, imageID := range rec.ImageIDs {
		id, err := o.ensureVolumeFromImage(ctx, names.Volume(i), imageID, at(rec.VolumeIDs, i))
		if id != "" {
			rec.VolumeIDs = setAt(rec.VolumeIDs, i, id)
		}
		if err != nil {
			return o.saveAfterError(ctx, rec, save, id != "", err)
		}
		if err := save(ctx, rec); err != nil {
			return err
		}
	}
	rec.VolumeIDs = rec.VolumeIDs[:len(req.Paths)]
	if len(rec.VolumeIDs) != len(req.Paths) {
		return deploymentErrorf(nil, "Converted volume count mismatch: source_disks=%d converted_volumes=%d. "+
			"Disk architecture must remain unchanged (1-to-1, same order, no merge).", len(req.Paths), len(rec.VolumeIDs))
	}

	primary := req.PrimaryIndex
	if primary < 0 || primary >= len(rec.VolumeIDs) {
		primary = 0
	}
	rec.BootDiskIndex = primary
	rec.BootVolumeID = rec.VolumeIDs[primary]
	rec.ServerName = names.Server()

	serverID, err := o.ensureServer(ctx, openstack.CreateServerOpts{
		Name:         names.Server(),
		FlavorID:     flavor.ID,
		NetworkID:    network.ID,
		FixedIP:      req.Target.FixedIP,
		BootVolumeID: rec.BootVolumeID,
	}, rec.ServerID)
	if err != nil {
		return err
	}
	rec.ServerID = serverID
	if err := save(ctx, rec); err != nil {
		return err
	}

	// nova must finish building before it accepts further attachments
	status, err := o.waitServerActive(ctx, serverID)
	if err != nil {
		return err
	}
	rec.ServerStatusBeforeAttach = status

	attached := make([]model.AttachedVolume, 0, len(rec.VolumeIDs)+len(req.Target.ExtraDisksGB))
	for i, volumeID := range rec.VolumeIDs {
		entry := model.AttachedVolume{
			Index:    i,
			Kind:     model.VolumeKindConverted,
			ImageID:  rec.ImageIDs[i],
			VolumeID: volumeID,
			Boot:     i == primary,
		}
		if entry.Boot {
			entry.Status = model.AttachStatusBoot
		} else if entry.Status, err = o.attach(ctx, serverID, volumeID); err != nil {
			return err
		}
		attached = append(attached, entry)
	}

	for i, size := range req.Target.ExtraDisksGB {
		id, err := o.ensureEmptyVolume(ctx, names.ExtraVolume(i+1), size, at(rec.ExtraVolumeIDs, i))
		if id != "" {
			rec.ExtraVolumeIDs = setAt(rec.ExtraVolumeIDs, i, id)
		}
		if err != nil {
			return o.saveAfterError(ctx, rec, save, id != "", err)
		}
		if err := save(ctx, rec); err != nil {
			return err
		}
		status, err := o.attach(ctx, serverID, id)
		if err != nil {
			return err
		}
		attached = append(attached, model.AttachedVolume{
			Index:    i + 1,
			Kind:     model.VolumeKindExtra,
			VolumeID: id,
			Status:   status,
			SizeGB:   size,
		})
	}
	rec.AttachedVolumes = attached
	logger.Info("server provisioned",
		zap.Int64("job_id", req.JobID),
		zap.String("server_id", serverID),
		zap.Int("volumes", len(attached)),
	)
	return save(ctx, rec)
}

// saveAfterError records a resource created by a failed step before
// returning err.
func (o *Orchestrator) saveAfterError(ctx context.Context, rec *model.DeploymentRecord, save SaveFunc, created bool, err error) error {
	if created {
		if saveErr := save(ctx, rec); saveErr != nil {
			o.logger.WithContext(ctx).Error("saving deployment record failed", zap.Error(saveErr))
		}
	}
	return err
}

// Verify waits for the server to be ACTIVE and checks that every converted
// volume is attached to it and reports in-use. The result is recorded in
// rec even when it fails.
func (o *Orchestrator) Verify(ctx context.Context, rec *model.DeploymentRecord) error {
	if rec.ServerID == "" {
		return deploymentErrorf(nil, "No server recorded for verification.")
	}
	status, err := o.waitServerActive(ctx, rec.ServerID)
	if err != nil {
		return err
	}
	now := o.clock.Now()
	rec.ServerStatus = status
	rec.VerifiedAt = &now

	attachedIDs, err := o.cloud.ListVolumeAttachments(ctx, rec.ServerID)
	if err != nil {
		return deploymentErrorf(err, "listing attachments of server %s", rec.ServerID)
	}
	attachedSet := make(map[string]bool, len(attachedIDs))
	for _, id := range attachedIDs {
		attachedSet[id] = true
	}

	v := &model.AttachmentValidation{
		MissingOrNotInUse: []string{},
		AttachedVolumeIDs: sortedCopy(attachedIDs),
		CheckedAt:         &now,
	}
	missing := map[string]bool{}
	for _, id := range rec.VolumeIDs {
		st := ""
		vol, err := o.cloud.GetVolume(ctx, id)
		if err != nil {
			return deploymentErrorf(err, "getting volume %s", id)
		}
		if vol != nil {
			st = strings.ToLower(vol.Status)
		}
		v.Volumes = append(v.Volumes, model.VolumeValidation{VolumeID: id, Attached: attachedSet[id], Status: st})
		if !attachedSet[id] || !inUse(st) {
			missing[id] = true
		}
	}
	for id := range missing {
		v.MissingOrNotInUse = append(v.MissingOrNotInUse, id)
	}
	v.MissingOrNotInUse = sortedCopy(v.MissingOrNotInUse)
	v.OK = len(v.MissingOrNotInUse) == 0
	rec.Validation = v
	if !v.OK {
		return deploymentErrorf(nil, "Post-migration disk attachment validation failed: %v", v.MissingOrNotInUse)
	}
	return nil
}

func (o *Orchestrator) resolveFlavor(ctx context.Context, t Target) (*openstack.Flavor, error) {
	if t.FlavorID != "" {
		f, err := o.cloud.GetFlavor(ctx, t.FlavorID)
		if err != nil {
			return nil, deploymentErrorf(err, "looking up flavor %s", t.FlavorID)
		}
		if f == nil {
			return nil, deploymentErrorf(nil, "Requested flavor '%s' not found.", t.FlavorID)
		}
		return f, nil
	}
	flavors, err := o.cloud.ListFlavors(ctx)
	if err != nil {
		return nil, deploymentErrorf(err, "listing flavors")
	}
	return SelectFlavor(flavors, t.CPU, t.RAM)
}

func (o *Orchestrator) ensureImage(ctx context.Context, name, path, format, existingID string) (string, error) {
	if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
		return "", deploymentErrorf(err, "QCOW2 artifact not found for upload: %s", path)
	}

	img, err := o.findImage(ctx, name, existingID)
	if err != nil {
		return "", err
	}
	if img == nil {
		err = o.retryCall(ctx, "image create", func() error {
			var err error
			img, err = o.cloud.CreateImage(ctx, openstack.CreateImageOpts{Name: name, DiskFormat: format})
			return err
		})
		if err != nil {
			return "", err
		}
	}
	switch strings.ToLower(img.Status) {
	case openstack.ImageStatusActive:
		return img.ID, nil
	case "", openstack.ImageStatusQueued:
		err = o.retryCall(ctx, "image upload", func() error {
			return o.cloud.UploadImageData(ctx, img.ID, path)
		})
		if err != nil {
			return img.ID, err
		}
	}

	err = o.poll(ctx, "image '"+name+"' to become active", o.conf.ImageUploadPollInterval, o.conf.ImageUploadTimeout, func() (bool, error) {
		cur, err := o.cloud.GetImage(ctx, img.ID)
		if err != nil {
			return false, deploymentErrorf(err, "getting image %s", img.ID)
		}
		if cur == nil {
			return false, deploymentErrorf(nil, "Uploaded image '%s' disappeared.", name)
		}
		switch st := strings.ToLower(cur.Status); st {
		case openstack.ImageStatusActive:
			return true, nil
		case openstack.ImageStatusKilled, openstack.ImageStatusDeleted, openstack.ImageStatusError:
			return false, deploymentErrorf(nil, "Uploaded image '%s' entered terminal status '%s'.", name, st)
		}
		return false, nil
	})
	return img.ID, err
}

func (o *Orchestrator) findImage(ctx context.Context, name, existingID string) (*openstack.Image, error) {
	if existingID != "" {
		img, err := o.cloud.GetImage(ctx, existingID)
		if err != nil {
			return nil, deploymentErrorf(err, "getting image %s", existingID)
		}
		if img != nil {
			return img, nil
		}
	}
	img, err := o.cloud.FindImageByName(ctx, name)
	if err != nil {
		return nil, deploymentErrorf(err, "finding image %q", name)
	}
	return img, nil
}

func (o *Orchestrator) ensureVolumeFromImage(ctx context.Context, name, imageID, existingID string) (string, error) {
	vol, err := o.findVolume(ctx, name, existingID)
	if err != nil {
		return "", err
	}
	if vol == nil {
		img, err := o.cloud.GetImage(ctx, imageID)
		if err != nil {
			return "", deploymentErrorf(err, "getting image %s", imageID)
		}
		opts := openstack.CreateVolumeOpts{
			Name:     name,
			SizeGB:   VolumeSizeGB(img),
			ImageID:  imageID,
			Metadata: map[string]string{"source_image_id": imageID},
		}
		if vol, err = o.createVolume(ctx, opts); err != nil {
			return "", err
		}
	}
	return vol.ID, o.waitVolume(ctx, vol.ID, name)
}

func (o *Orchestrator) ensureEmptyVolume(ctx context.Context, name string, sizeGB int, existingID string) (string, error) {
	vol, err := o.findVolume(ctx, name, existingID)
	if err != nil {
		return "", err
	}
	if vol == nil {
		if vol, err = o.createVolume(ctx, openstack.CreateVolumeOpts{Name: name, SizeGB: sizeGB}); err != nil {
			return "", err
		}
	}
	return vol.ID, o.waitVolume(ctx, vol.ID, name)
}

func (o *Orchestrator) findVolume(ctx context.Context, name, existingID string) (*openstack.Volume, error) {
	if existingID != "" {
		vol, err := o.cloud.GetVolume(ctx, existingID)
		if err != nil {
			return nil, deploymentErrorf(err, "getting volume %s", existingID)
		}
		if vol != nil {
			return vol, nil
		}
	}
	vol, err := o.cloud.FindVolumeByName(ctx, name)
	if err != nil {
		return nil, deploymentErrorf(err, "finding volume %q", name)
	}
	return vol, nil
}

func (o *Orchestrator) createVolume(ctx context.Context, opts openstack.CreateVolumeOpts) (*openstack.Volume, error) {
	var vol *openstack.Volume
	err := o.retryCall(ctx, "volume create", func() error {
		var err error
		vol, err = o.cloud.CreateVolume(ctx, opts)
		return err
	})
	return vol, err
}

// waitVolume returns once the volume is usable: available, or already
// in-use from an earlier run.
func (o *Orchestrator) waitVolume(ctx context.Context, id, name string) error {
	return o.poll(ctx, "volume '"+name+"' to become available", o.conf.ImageUploadPollInterval, o.conf.VerifyTimeout, func() (bool, error) {
		vol, err := o.cloud.GetVolume(ctx, id)
		if err != nil {
			return false, deploymentErrorf(err, "getting volume %s", id)
		}
		if vol == nil {
			return false, deploymentErrorf(nil, "Volume '%s' disappeared.", name)
		}
		switch st := strings.ToLower(vol.Status); {
		case st == openstack.VolumeStatusAvailable || inUse(st):
			return true, nil
		case st == openstack.VolumeStatusError || st == openstack.VolumeStatusErrorExtending:
			return false, deploymentErrorf(nil, "Volume '%s' entered terminal status '%s'.", name, st)
		}
		return false, nil
	})
}

func (o *Orchestrator) ensureServer(ctx context.Context, opts openstack.CreateServerOpts, existingID string) (string, error) {
	if existingID != "" {
		srv, err := o.cloud.GetServer(ctx, existingID)
		if err != nil {
			return "", deploymentErrorf(err, "getting server %s", existingID)
		}
		if srv != nil {
			return srv.ID, nil
		}
	}
	srv, err := o.cloud.FindServerByName(ctx, opts.Name)
	if err != nil {
		return "", deploymentErrorf(err, "finding server %q", opts.Name)
	}
	if srv != nil {
		return srv.ID, nil
	}
	err = o.retryCall(ctx, "server boot", func() error {
		var err error
		srv, err = o.cloud.CreateServer(ctx, opts)
		return err
	})
	if err != nil {
		return "", err
	}
	return srv.ID, nil
}

func (o *Orchestrator) waitServerActive(ctx context.Context, id string) (string, error) {
	var status string
	err := o.poll(ctx, "server '"+id+"' to reach ACTIVE state", o.conf.VerifyPollInterval, o.conf.VerifyTimeout, func() (bool, error) {
		srv, err := o.cloud.GetServer(ctx, id)
		if err != nil {
			return false, deploymentErrorf(err, "getting server %s", id)
		}
		if srv == nil {
			return false, deploymentErrorf(nil, "Server '%s' no longer exists.", id)
		}
		status = strings.ToUpper(srv.Status)
		switch status {
		case openstack.ServerStatusActive:
			return true, nil
		case openstack.ServerStatusError:
			return false, deploymentErrorf(nil, "Server '%s' entered ERROR state.", id)
		}
		return false, nil
	})
	return status, err
}

// attach attaches the volume unless it already is, then waits for it to
// report in-use.
func (o *Orchestrator) attach(ctx context.Context, serverID, volumeID string) (string, error) {
	ids, err := o.cloud.ListVolumeAttachments(ctx, serverID)
	if err != nil {
		return "", deploymentErrorf(err, "listing attachments of server %s", serverID)
	}
	for _, id := range ids {
		if id == volumeID {
			return model.AttachStatusExisting, nil
		}
	}
	err = o.retryCall(ctx, "volume attachment", func() error {
		return o.cloud.AttachVolume(ctx, serverID, volumeID)
	})
	if err != nil {
		return "", err
	}
	err = o.poll(ctx, "volume '"+volumeID+"' to become in-use", o.conf.VerifyPollInterval, o.conf.VerifyTimeout, func() (bool, error) {
		vol, err := o.cloud.GetVolume(ctx, volumeID)
		if err != nil {
			return false, deploymentErrorf(err, "getting volume %s", volumeID)
		}
		if vol == nil {
			return false, deploymentErrorf(nil, "Volume '%s' disappeared.", volumeID)
		}
		st := strings.ToLower(vol.Status)
		if st == openstack.VolumeStatusError {
			return false, deploymentErrorf(nil, "Volume '%s' entered terminal status '%s'.", volumeID, st)
		}
		return inUse(st), nil
	})
	if err != nil {
		return "", err
	}
	return model.AttachStatusAttached, nil
}

// retryCall runs fn up to api_retries+1 times with a fixed delay.
func (o *Orchestrator) retryCall(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	attempts := o.conf.APIRetries + 1
	err := retry.Call(retry.CallArgs{
		Func: fn,
		IsFatalError: func(error) bool {
			return ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			lastErr = err
			o.logger.WithContext(ctx).Warn("openstack call failed",
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		},
		Attempts: attempts,
		Delay:    o.conf.APIRetryDelay,
		Clock:    o.clock,
		Stop:     ctx.Done(),
	})
	switch {
	case err == nil:
		return nil
	case retry.IsAttemptsExceeded(err):
		return deploymentErrorf(lastErr, "%s failed after %d attempts", op, attempts)
	case retry.IsRetryStopped(err):
		return deploymentErrorf(ctx.Err(), "%s interrupted", op)
	}
	return deploymentErrorf(err, "%s failed", op)
}

// WaitServerGone waits until a deleted server no longer exists, which is
// when nova has released its volumes.
func (o *Orchestrator) WaitServerGone(ctx context.Context, serverID string) error {
	return o.poll(ctx, "server "+serverID+" to be deleted", o.conf.VerifyPollInterval, o.conf.VerifyTimeout, func() (bool, error) {
		srv, err := o.cloud.GetServer(ctx, serverID)
		return srv == nil, err
	})
}

// DeleteVolume deletes a volume and falls back to a forced delete when
// cinder refuses, typically because a detach has not finished.
func (o *Orchestrator) DeleteVolume(ctx context.Context, volumeID string) error {
	err := o.cloud.DeleteVolume(ctx, volumeID)
	if err == nil {
		return nil
	}
	o.logger.WithContext(ctx).Warn("volume delete refused, forcing", zap.String("volume_id", volumeID), zap.Error(err))
	if ferr := o.cloud.ForceDeleteVolume(ctx, volumeID); ferr != nil {
		return deploymentErrorf(ferr, "Volume %s could not be deleted (%v) or force-deleted (%v).", volumeID, err, ferr)
	}
	return nil
}

// poll calls check every interval until it reports done, fails, or timeout
// elapses.
func (o *Orchestrator) poll(ctx context.Context, what string, interval, timeout time.Duration, check func() (bool, error)) error {
	deadline := o.clock.Now().Add(timeout)
	for {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !o.clock.Now().Before(deadline) {
			return deploymentErrorf(nil, "Timed out waiting for %s.", what)
		}
		select {
		case <-ctx.Done():
			return deploymentErrorf(ctx.Err(), "interrupted while waiting for %s", what)
		case <-o.clock.After(interval):
		}
	}
}

func inUse(status string) bool {
	return status == openstack.VolumeStatusInUse || status == "in_use"
}

func at(s []string, i int) string {
	if i < len(s) {
		return s[i]
	}
	return ""
}

func setAt(s []string, i int, v string) []string {
	for len(s) <= i {
		s = append(s, "")
	}
	s[i] = v
	return s
}
