// Package onvifctl provides ONVIF camera discovery, stream resolution,
// PTZ control and motion event subscriptions
package onvifctl

import (
	"fmt"
)

// DisplayName returns the best available name for the device
func (d *Device) DisplayName() string {
	// Priority: Manufacturer + Model > Discovery Name > Hardware > Address
	if d.Manufacturer != "" && d.Model != "" {
		return fmt.Sprintf("%s %s", d.Manufacturer, d.Model)
	}

	if d.Name != "" {
		return d.Name
	}

	if d.Hardware != "" {
		return d.Hardware
	}

	if d.IPAddress != "" {
		return d.IPAddress
	}

	return getFirstAddress(d.ServiceURL)
}

// Info returns a formatted string with device information
func (d *Device) Info() string {
	info := fmt.Sprintf("Device: %s\n", d.DisplayName())
	info += fmt.Sprintf("  Address: %s\n", d.ServiceURL)

	if d.Manufacturer != "" {
		info += fmt.Sprintf("  Manufacturer: %s\n", d.Manufacturer)
	}

	if d.Model != "" {
		info += fmt.Sprintf("  Model: %s\n", d.Model)
	} else if d.Hardware != "" {
		info += fmt.Sprintf("  Model: %s\n", d.Hardware)
	}

	if d.SerialNumber != "" {
		info += fmt.Sprintf("  Serial: %s\n", d.SerialNumber)
	}

	if d.Location != "" {
		info += fmt.Sprintf("  Location: %s\n", d.Location)
	}

	if d.Capabilities.SupportsPTZ {
		info += "  PTZ: yes\n"
	}

	if d.Capabilities.SupportsMotionEvents {
		info += "  Events: yes\n"
	}

	return info
}
