package prompts

import (
	"fmt"
	"sort"
	"strings"

	"hadoctor/internal/homeassistant"
)

// Per-section caps keep the context prompt from growing unbounded on
// large installations.
const (
	maxEntitiesPerDomain = 50
	maxServicesPerDomain = 20
	maxDevices           = 100
)

// FormatEntities renders entity states grouped by domain.
func FormatEntities(states []homeassistant.State) string {
	if len(states) == 0 {
		return "No entities available."
	}

	domains := make(map[string][]homeassistant.State)
	for _, s := range states {
		domain := "unknown"
		if i := strings.Index(s.EntityID, "."); i > 0 {
			domain = s.EntityID[:i]
		}
		domains[domain] = append(domains[domain], s)
	}

	names := make([]string, 0, len(domains))
	for name := range domains {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, domain := range names {
		fmt.Fprintf(&sb, "\n## %s entities:\n", strings.ToUpper(domain))
		entities := domains[domain]
		if len(entities) > maxEntitiesPerDomain {
			entities = entities[:maxEntitiesPerDomain]
		}
		for _, e := range entities {
			friendly := e.AttributeString("friendly_name")
			if friendly == "" {
				friendly = e.EntityID
			}
			fmt.Fprintf(&sb, "- %s (%s): %s\n", e.EntityID, friendly, e.State)
		}
	}
	return sb.String()
}

// FormatServices renders the service registry, capped per domain.
func FormatServices(services []homeassistant.ServiceDomain) string {
	if len(services) == 0 {
		return "No services available."
	}

	var sb strings.Builder
	for _, domain := range services {
		if len(domain.Services) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "\n## %s:\n", domain.Domain)
		names := make([]string, 0, len(domain.Services))
		for name := range domain.Services {
			names = append(names, name)
		}
		sort.Strings(names)
		if len(names) > maxServicesPerDomain {
			names = names[:maxServicesPerDomain]
		}
		for _, name := range names {
			desc := domain.Services[name].Description
			if desc == "" {
				desc = "No description"
			}
			fmt.Fprintf(&sb, "- %s.%s: %s\n", domain.Domain, name, desc)
		}
	}
	return sb.String()
}

// FormatAreas renders the area registry.
func FormatAreas(areas []homeassistant.Area) string {
	if len(areas) == 0 {
		return "No areas defined."
	}
	var sb strings.Builder
	for _, a := range areas {
		fmt.Fprintf(&sb, "- %s (id: %s)\n", a.Name, a.AreaID)
	}
	return sb.String()
}

// FormatDevices renders the device registry with resolved area names.
func FormatDevices(devices []homeassistant.Device, areas []homeassistant.Area) string {
	if len(devices) == 0 {
		return "No devices registered."
	}

	areaNames := make(map[string]string, len(areas))
	for _, a := range areas {
		areaNames[a.AreaID] = a.Name
	}

	if len(devices) > maxDevices {
		devices = devices[:maxDevices]
	}

	var sb strings.Builder
	for _, d := range devices {
		name := d.NameByUser
		if name == "" {
			name = d.Name
		}
		if name == "" {
			name = "Unknown"
		}
		sb.WriteString("- " + name)
		if d.Manufacturer != "" || d.Model != "" {
			sb.WriteString(" (" + strings.TrimSpace(d.Manufacturer+" "+d.Model) + ")")
		}
		area := areaNames[d.AreaID]
		if area == "" {
			area = "No area"
		}
		sb.WriteString(" - Area: " + area + "\n")
	}
	return sb.String()
}
