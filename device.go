package onvifctl

import (
	"context"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// DeviceInformation is the result of GetDeviceInformation
type DeviceInformation struct {
	Manufacturer    string `json:"manufacturer"`
	Model           string `json:"model"`
	FirmwareVersion string `json:"firmware_version"`
	SerialNumber    string `json:"serial_number"`
	HardwareID      string `json:"hardware_id"`
}

// GetDeviceInformation fetches manufacturer, model, firmware and serial
func (c *Client) GetDeviceInformation(ctx context.Context) (DeviceInformation, error) {
	resp, err := c.Call(ctx, "GetDeviceInformation", NamespaceDevice)
	if err != nil {
		return DeviceInformation{}, err
	}

	field := func(name string) string {
		// Try structured parsing first
		if v := resp.Value("GetDeviceInformationResponse", name); v != "" {
			return v
		}
		return Scrape(resp.Raw(), name)
	}

	return DeviceInformation{
		Manufacturer:    field("Manufacturer"),
		Model:           field("Model"),
		FirmwareVersion: field("FirmwareVersion"),
		SerialNumber:    field("SerialNumber"),
		HardwareID:      field("HardwareId"),
	}, nil
}

// GetCapabilities fetches device capabilities and derives the PTZ, media
// and event service addresses
func (c *Client) GetCapabilities(ctx context.Context) (DeviceCapabilities, error) {
	resp, err := c.Call(ctx, "GetCapabilities", NamespaceDevice, Val("Category", "All"))
	if err != nil {
		return DeviceCapabilities{}, err
	}

	capsNode := resp.Body().Child("GetCapabilitiesResponse", "Capabilities")
	if capsNode == nil {
		return DeviceCapabilities{}, errors.NotFoundf("capabilities in GetCapabilities response")
	}
	return parseCapabilities(capsNode), nil
}

func parseCapabilities(capsNode *Node) DeviceCapabilities {
	var caps DeviceCapabilities

	if media := capsNode.Child("Media"); media != nil {
		caps.MediaURL = getFirstAddress(media.Child("XAddr").Text())
	}

	if ptz := capsNode.Child("PTZ"); ptz != nil {
		if xaddr := getFirstAddress(ptz.Child("XAddr").Text()); xaddr != "" {
			caps.SupportsPTZ = true
			caps.PTZ = &PTZCapabilities{XAddr: xaddr}
		}
	}

	if events := capsNode.Child("Events"); events != nil {
		if xaddr := getFirstAddress(events.Child("XAddr").Text()); xaddr != "" {
			caps.SupportsMotionEvents = true
			caps.Events = &EventCapabilities{
				XAddr:                     xaddr,
				PullPointSupport:          parseBool(events.Child("WSPullPointSupport").Text()),
				SubscriptionPolicySupport: parseBool(events.Child("WSSubscriptionPolicySupport").Text()),
			}
		}
	}

	return caps
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1":
		return true
	}
	return false
}

// enrichDevice fills device information and capabilities. Each query that
// fails downgrades the device instead of failing it.
func enrichDevice(ctx context.Context, c *Client, d *Device) (infoErr, capsErr error) {
	if info, err := c.GetDeviceInformation(ctx); err == nil {
		d.Manufacturer = info.Manufacturer
		d.Model = info.Model
		d.FirmwareVersion = info.FirmwareVersion
		d.SerialNumber = info.SerialNumber
		d.HardwareID = info.HardwareID
	} else {
		infoErr = err
	}

	if caps, err := c.GetCapabilities(ctx); err == nil {
		c.fillLimits(ctx, &caps)
		d.Capabilities = caps
	} else {
		d.Capabilities = DeviceCapabilities{}
		capsErr = err
	}
	return infoErr, capsErr
}

// fillLimits reads the preset limit of the PTZ node and the pull point
// limit of the event service. Both calls are optional and failures leave
// the limits unknown.
func (c *Client) fillLimits(ctx context.Context, caps *DeviceCapabilities) {
	if caps.PTZ != nil {
		if resp, err := c.CallAt(ctx, caps.PTZ.XAddr, "GetNodes", NamespacePTZ); err == nil {
			caps.PTZ.MaxPresets, _ = strconv.Atoi(resp.Body().Find("MaximumNumberOfPresets").Text())
		}
	}
	if caps.Events != nil {
		if resp, err := c.CallAt(ctx, caps.Events.XAddr, "GetServiceCapabilities", NamespaceEvents); err == nil {
			caps.Events.MaxSubscriptions, _ = strconv.Atoi(resp.Body().Find("Capabilities").Attr("MaxPullPoints"))
		}
	}
}
