// Package genericcloud is a concrete provider.Adapter implementation
// against a generic GPU-cloud REST surface: create/start/terminate
// instance, volume lifecycle, boot-image resolution, and catalog fetch.
// It is intentionally not bound to one vendor's wire format (spec.md §1:
// "wire formats... abstracted behind a provider interface"), grounded on
// the GPU-cloud machine-type shapes in original_source's Scaleway adapter
// and the retrieval pack's provider-adapter patterns.
package genericcloud

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/inventiv/fleet/internal/provider"
	"github.com/inventiv/fleet/internal/provider/httpclient"
	"github.com/inventiv/fleet/pkg/apperror"
	"github.com/inventiv/fleet/pkg/config"
)

// Adapter talks to a generic cloud provider's REST API.
type Adapter struct {
	client *httpclient.Client
	orgID  string
	// disklessFamilies lists instance-type code prefixes that require a
	// diskless boot image (e.g. "L4-", "L40S-"); a fixed list set in New
	// and matched with strings.HasPrefix (§4.1 resolve_boot_image).
	disklessFamilies []string
}

// New builds a generic cloud adapter from configuration.
func New(cfg config.GenericProviderConfig) *Adapter {
	return &Adapter{
		client: httpclient.New(httpclient.Options{
			BaseURL: cfg.BaseURL,
			Headers: map[string]string{
				"Authorization": "Bearer " + cfg.APIToken,
			},
			ConnectTimeout: provider.ConnectTimeout,
			CallTimeout:    provider.CallTimeout,
		}),
		orgID:            cfg.OrgID,
		disklessFamilies: []string{"L4-", "L40S-", "H100-", "A100-"},
	}
}

// Code identifies this adapter.
func (a *Adapter) Code() string { return "generic" }

type createInstanceRequest struct {
	OrganizationID  string   `json:"organization_id"`
	Name            string   `json:"name"`
	CommercialType  string   `json:"commercial_type"`
	Image           string   `json:"image"`
	UserData        string   `json:"user_data,omitempty"`
	Volumes         []string `json:"volumes,omitempty"`
}

type createInstanceResponse struct {
	Server struct {
		ID string `json:"id"`
	} `json:"server"`
}

// CreateInstance creates a server in zone (§4.1).
func (a *Adapter) CreateInstance(ctx context.Context, zone provider.Zone, params provider.CreateParams) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.CallTimeout)
	defer cancel()

	req := createInstanceRequest{
		OrganizationID: a.orgID,
		Name:           fmt.Sprintf("fleet-%d", time.Now().UnixNano()),
		CommercialType: params.InstanceType,
		Image:          params.BootImage,
		UserData:       params.UserData,
		Volumes:        params.PreAttachedVolumeIDs,
	}

	var resp createInstanceResponse
	if err := a.client.DoJSON(ctx, "POST", fmt.Sprintf("/zones/%s/servers", zone), req, &resp); err != nil {
		return "", apperror.Wrap(err, apperror.CodeProviderCreateFailed, apperror.KindOf(err), "create_instance failed")
	}
	return resp.Server.ID, nil
}

// StartInstance starts a server, retrying the "volumes not yet usable"
// transient precondition with the pinned bounded schedule (§4.1).
func (a *Adapter) StartInstance(ctx context.Context, zone provider.Zone, id string) error {
	return provider.WithStartRetry(ctx, func(ctx context.Context) error {
		err := a.client.DoJSON(ctx, "POST", fmt.Sprintf("/zones/%s/servers/%s/action", zone, id),
			map[string]string{"action": "poweron"}, nil)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "volumes not yet usable") || strings.Contains(err.Error(), "precondition") {
			return apperror.Wrap(err, apperror.CodeProviderStartFailed, apperror.KindRetryableTransient, "start_instance: volumes not yet usable")
		}
		return apperror.Wrap(err, apperror.CodeProviderStartFailed, apperror.KindFatal, "start_instance failed")
	})
}

type serverResponse struct {
	Server struct {
		ID          string `json:"id"`
		State       string `json:"state"`
		PublicIP    *struct {
			Address string `json:"address"`
		} `json:"public_ip"`
	} `json:"server"`
}

// GetInstanceIP resolves the server's public address, if assigned yet.
func (a *Adapter) GetInstanceIP(ctx context.Context, zone provider.Zone, id string) (*string, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.CallTimeout)
	defer cancel()

	var resp serverResponse
	if err := a.client.DoJSON(ctx, "GET", fmt.Sprintf("/zones/%s/servers/%s", zone, id), nil, &resp); err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, apperror.KindOf(err), "get_instance_ip failed")
	}
	if resp.Server.PublicIP == nil || resp.Server.PublicIP.Address == "" {
		return nil, nil
	}
	addr := resp.Server.PublicIP.Address
	return &addr, nil
}

// SetCloudInit sets the post-create user-data path (§4.1, optional).
func (a *Adapter) SetCloudInit(ctx context.Context, zone provider.Zone, id string, userData string) error {
	ctx, cancel := context.WithTimeout(ctx, provider.CallTimeout)
	defer cancel()

	err := a.client.DoJSON(ctx, "PATCH", fmt.Sprintf("/zones/%s/servers/%s/user_data", zone, id),
		map[string]string{"cloud-init": userData}, nil)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeInternal, apperror.KindOf(err), "set_cloud_init failed")
	}
	return nil
}

// EnsureInboundTCPPorts opens the given ports, idempotently, and keeps 22
// reachable (§4.1).
func (a *Adapter) EnsureInboundTCPPorts(ctx context.Context, zone provider.Zone, id string, ports []int) error {
	ctx, cancel := context.WithTimeout(ctx, provider.CallTimeout)
	defer cancel()

	allPorts := append([]int{22}, ports...)
	err := a.client.DoJSON(ctx, "PUT", fmt.Sprintf("/zones/%s/servers/%s/security_rules", zone, id),
		map[string]any{"allow_tcp_ports": allPorts}, nil)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeInternal, apperror.KindOf(err), "ensure_inbound_tcp_ports failed")
	}
	return nil
}

// TerminateInstance issues a forced delete first. Only when the provider
// refuses that delete because the instance is running does it power the
// instance off and delete it again; no graceful shutdown is attempted
// before the first delete (§4.1).
func (a *Adapter) TerminateInstance(ctx context.Context, zone provider.Zone, id string) error {
	ctx, cancel := context.WithTimeout(ctx, provider.CallTimeout)
	defer cancel()

	err := a.client.DoJSON(ctx, "DELETE", fmt.Sprintf("/zones/%s/servers/%s?force=true", zone, id), nil, nil)
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "running") {
		if stopErr := a.client.DoJSON(ctx, "POST", fmt.Sprintf("/zones/%s/servers/%s/action", zone, id),
			map[string]string{"action": "poweroff"}, nil); stopErr != nil {
			return apperror.Wrap(stopErr, apperror.CodeInternal, apperror.KindOf(stopErr), "terminate_instance: poweroff fallback failed")
		}
		if delErr := a.client.DoJSON(ctx, "DELETE", fmt.Sprintf("/zones/%s/servers/%s", zone, id), nil, nil); delErr != nil {
			return apperror.Wrap(delErr, apperror.CodeInternal, apperror.KindOf(delErr), "terminate_instance failed after poweroff")
		}
		return nil
	}
	return apperror.Wrap(err, apperror.CodeInternal, apperror.KindOf(err), "terminate_instance failed")
}

// CheckInstanceExists reports whether the provider still has a record of
// id. A 404 from the provider means it does not.
func (a *Adapter) CheckInstanceExists(ctx context.Context, zone provider.Zone, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.CallTimeout)
	defer cancel()

	err := a.client.DoJSON(ctx, "GET", fmt.Sprintf("/zones/%s/servers/%s", zone, id), nil, nil)
	if err == nil {
		return true, nil
	}
	appErr, ok := err.(*apperror.Error)
	if ok {
		if sc, found := appErr.Details["status_code"]; found {
			if code, ok2 := sc.(int); ok2 && code == 404 {
				return false, nil
			}
		}
	}
	return false, apperror.Wrap(err, apperror.CodeInternal, apperror.KindOf(err), "check_instance_exists failed")
}

type createVolumeResponse struct {
	Volume struct {
		ID string `json:"id"`
	} `json:"volume"`
}

// CreateVolume creates a block volume.
func (a *Adapter) CreateVolume(ctx context.Context, zone provider.Zone, name string, sizeBytes int64, kind provider.VolumeKind, perf provider.VolumePerf) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.CallTimeout)
	defer cancel()

	req := map[string]any{
		"name":        name,
		"size":        sizeBytes,
		"volume_type": string(kind),
	}
	if perf != "" {
		req["perf_iops"] = string(perf)
	}

	var resp createVolumeResponse
	if err := a.client.DoJSON(ctx, "POST", fmt.Sprintf("/zones/%s/volumes", zone), req, &resp); err != nil {
		return "", apperror.Wrap(err, apperror.CodeProviderVolumeCreateFailed, apperror.KindOf(err), "create_volume failed")
	}
	return resp.Volume.ID, nil
}

// AttachVolume attaches volumeID to serverID, preserving the server's
// existing attachment set (§4.1: must not clobber other volumes).
func (a *Adapter) AttachVolume(ctx context.Context, zone provider.Zone, serverID, volumeID string, deleteOnTerminate bool) error {
	ctx, cancel := context.WithTimeout(ctx, provider.CallTimeout)
	defer cancel()

	var current serverVolumesResponse
	if err := a.client.DoJSON(ctx, "GET", fmt.Sprintf("/zones/%s/servers/%s/volumes", zone, serverID), nil, &current); err != nil {
		return apperror.Wrap(err, apperror.CodeProviderVolumeAttachFailed, apperror.KindOf(err), "attach_volume: read current attachments failed")
	}

	volumeIDs := current.VolumeIDs
	volumeIDs = append(volumeIDs, volumeID)

	err := a.client.DoJSON(ctx, "PATCH", fmt.Sprintf("/zones/%s/servers/%s/volumes", zone, serverID),
		map[string]any{
			"volume_ids":          volumeIDs,
			"delete_on_terminate": deleteOnTerminate,
		}, nil)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeProviderVolumeAttachFailed, apperror.KindOf(err), "attach_volume failed")
	}
	return nil
}

type serverVolumesResponse struct {
	VolumeIDs []string `json:"volume_ids"`
}

// DeleteVolume deletes a volume; a 404 counts as success (§4.1).
func (a *Adapter) DeleteVolume(ctx context.Context, zone provider.Zone, volumeID string) error {
	ctx, cancel := context.WithTimeout(ctx, provider.CallTimeout)
	defer cancel()

	err := a.client.DoJSON(ctx, "DELETE", fmt.Sprintf("/zones/%s/volumes/%s", zone, volumeID), nil, nil)
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*apperror.Error); ok {
		if sc, found := appErr.Details["status_code"]; found {
			if code, ok2 := sc.(int); ok2 && code == 404 {
				return nil
			}
		}
	}
	return apperror.Wrap(err, apperror.CodeInternal, apperror.KindOf(err), "delete_volume failed")
}

// requiresDisklessImage reports whether instanceType's family demands a
// diskless root image, matched on the fixed code-prefix list set in New
// (§4.1).
func (a *Adapter) requiresDisklessImage(instanceType string) bool {
	for _, prefix := range a.disklessFamilies {
		if strings.HasPrefix(instanceType, prefix) {
			return true
		}
	}
	return false
}

type imagesResponse struct {
	Images []struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Diskless bool  `json:"diskless_compatible"`
	} `json:"images"`
}

// ResolveBootImage discovers a boot image for instanceType, returning a
// diskless-compatible one when the family requires it (§4.1).
func (a *Adapter) ResolveBootImage(ctx context.Context, zone provider.Zone, instanceType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.CallTimeout)
	defer cancel()

	var resp imagesResponse
	if err := a.client.DoJSON(ctx, "GET", fmt.Sprintf("/zones/%s/images?instance_type=%s", zone, instanceType), nil, &resp); err != nil {
		return "", apperror.Wrap(err, apperror.CodeDisklessBootImageResolveFailed, apperror.KindOf(err), "resolve_boot_image failed")
	}

	needsDiskless := a.requiresDisklessImage(instanceType)
	for _, img := range resp.Images {
		if needsDiskless && !img.Diskless {
			continue
		}
		return img.ID, nil
	}
	if needsDiskless {
		return "", apperror.New(apperror.CodeDisklessBootImageRequired, apperror.KindFatal,
			fmt.Sprintf("no diskless-compatible boot image found for %s", instanceType))
	}
	return "", apperror.New(apperror.CodeDisklessBootImageResolveFailed, apperror.KindFatal,
		fmt.Sprintf("no boot image found for %s", instanceType))
}

// ListInstances lists every server in zone (§4.1), used by orphan-import
// and zombie-detection reconciliation (§4.6).
func (a *Adapter) ListInstances(ctx context.Context, zone provider.Zone) ([]provider.InstanceListing, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.CallTimeout)
	defer cancel()

	var resp struct {
		Servers []struct {
			ID        string  `json:"id"`
			Name      string  `json:"name"`
			State     string  `json:"state"`
			PublicIP  *string `json:"public_ip"`
			CreatedAt string  `json:"created_at"`
		} `json:"servers"`
	}
	if err := a.client.DoJSON(ctx, "GET", fmt.Sprintf("/zones/%s/servers", zone), nil, &resp); err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, apperror.KindOf(err), "list_instances failed")
	}

	out := make([]provider.InstanceListing, 0, len(resp.Servers))
	for _, s := range resp.Servers {
		createdAt, _ := time.Parse(time.RFC3339, s.CreatedAt)
		out = append(out, provider.InstanceListing{
			ProviderInstanceID: s.ID,
			Name:               s.Name,
			Status:             s.State,
			Address:            s.PublicIP,
			CreatedAt:          createdAt,
		})
	}
	return out, nil
}

// FetchCatalog lists the instance-type catalog the provider exposes in
// zone (§4.1), used to seed/refresh the catalog tables out of band.
func (a *Adapter) FetchCatalog(ctx context.Context, zone provider.Zone) ([]provider.CatalogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.CallTimeout)
	defer cancel()

	var resp struct {
		Offers []struct {
			Name         string  `json:"name"`
			Label        string  `json:"label"`
			HourlyPrice  float64 `json:"hourly_price"`
			CPUCount     int     `json:"cpu_count"`
			RAMGB        int     `json:"ram_gb"`
			GPUCount     int     `json:"gpu_count"`
			VRAMPerGPUGB int     `json:"vram_per_gpu_gb"`
			BandwidthBPS int64   `json:"bandwidth_bps"`
		} `json:"offers"`
	}
	if err := a.client.DoJSON(ctx, "GET", fmt.Sprintf("/zones/%s/offers", zone), nil, &resp); err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, apperror.KindOf(err), "fetch_catalog failed")
	}

	out := make([]provider.CatalogEntry, 0, len(resp.Offers))
	for _, o := range resp.Offers {
		out = append(out, provider.CatalogEntry{
			Code:         o.Name,
			Name:         o.Label,
			CostPerHour:  o.HourlyPrice,
			CPUCount:     o.CPUCount,
			RAMGB:        o.RAMGB,
			GPUCount:     o.GPUCount,
			VRAMPerGPUGB: o.VRAMPerGPUGB,
			BandwidthBPS: o.BandwidthBPS,
		})
	}
	return out, nil
}

var _ provider.Adapter = (*Adapter)(nil)
