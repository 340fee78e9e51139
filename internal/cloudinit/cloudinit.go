// Package cloudinit assembles the NoCloud seed for an instance:
// meta-data, vendor-data (growpart, ssh keys, workflow fragments) and
// the netplan network-config, packed into an iso9660 image labeled
// CIDATA.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
package cloudinit

import (
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/xfeldman/cirrus/internal/vm"
)

// MetaData is the NoCloud meta-data document.
type MetaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// GenerateMetaData produces meta-data with a fresh instance ID.
func GenerateMetaData(name string) (string, error) {
	raw, err := yaml.Marshal(MetaData{
		InstanceID:    fmt.Sprintf("cirrus-%s-%s", name, uuid.NewString()[:8]),
		LocalHostname: name,
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// growpartStanza makes the root partition grow into the allocated disk
// on first boot.
type growpartStanza struct {
	Mode    string   `yaml:"mode"`
	Devices []string `yaml:"devices"`
}

type vendorData struct {
	Growpart          growpartStanza `yaml:"growpart"`
	SSHAuthorizedKeys []string       `yaml:"ssh_authorized_keys,omitempty"`
}

// GenerateVendorData produces the vendor-data document: the base
// growpart/ssh-keys config with the instance's workflow fragment, if
// any, merged over it.
func GenerateVendorData(desc *vm.Description, sshKeys []string) (string, error) {
	base := vendorData{
		Growpart:          growpartStanza{Mode: "auto", Devices: []string{"/"}},
		SSHAuthorizedKeys: sshKeys,
	}
	raw, err := yaml.Marshal(base)
	if err != nil {
		return "", err
	}

	if desc.VendorDataConfig == nil {
		return "#cloud-config\n" + string(raw), nil
	}

	var baseNode yaml.Node
	if err := yaml.Unmarshal(raw, &baseNode); err != nil {
		return "", err
	}
	merged := mergeMappings(baseNode.Content[0], unwrapDocument(desc.VendorDataConfig))
	out, err := yaml.Marshal(merged)
	if err != nil {
		return "", err
	}
	return "#cloud-config\n" + string(out), nil
}

// unwrapDocument returns the mapping under a document node, or the node
// itself.
func unwrapDocument(n *yaml.Node) *yaml.Node {
	if n.Kind == yaml.DocumentNode && len(n.Content) == 1 {
		return n.Content[0]
	}
	return n
}

// mergeMappings overlays src onto dst. Scalar and sequence values from
// src replace dst's; nested mappings merge recursively. Non-mapping
// inputs pass src through.
func mergeMappings(dst, src *yaml.Node) *yaml.Node {
	if dst == nil || dst.Kind != yaml.MappingNode || src == nil || src.Kind != yaml.MappingNode {
		if src != nil {
			return src
		}
		return dst
	}

	out := &yaml.Node{Kind: yaml.MappingNode, Tag: dst.Tag}
	out.Content = append(out.Content, dst.Content...)

	for i := 0; i+1 < len(src.Content); i += 2 {
		key, val := src.Content[i], src.Content[i+1]
		replaced := false
		for j := 0; j+1 < len(out.Content); j += 2 {
			if out.Content[j].Value == key.Value {
				out.Content[j+1] = mergeMappings(out.Content[j+1], val)
				replaced = true
				break
			}
		}
		if !replaced {
			out.Content = append(out.Content, key, val)
		}
	}
	return out
}

// Netplan v2 network-config types.
type networkConfig struct {
	Version   int                       `yaml:"version"`
	Ethernets map[string]ethernetConfig `yaml:"ethernets"`
}

type ethernetConfig struct {
	Match          matchConfig    `yaml:"match"`
	DHCP4          bool           `yaml:"dhcp4"`
	DHCP4Overrides *dhcp4Override `yaml:"dhcp4-overrides,omitempty"`
	Optional       bool           `yaml:"optional,omitempty"`
}

type matchConfig struct {
	MACAddress string `yaml:"macaddress"`
}

type dhcp4Override struct {
	RouteMetric int `yaml:"route-metric"`
}

// GenerateNetworkData produces the netplan network-config, or "" when
// no extra interface wants automatic configuration — cloud-init then
// falls back to its default single-NIC behavior.
func GenerateNetworkData(desc *vm.Description) (string, error) {
	if desc.NetworkDataConfig != nil {
		out, err := yaml.Marshal(unwrapDocument(desc.NetworkDataConfig))
		if err != nil {
			return "", err
		}
		return string(out), nil
	}

	anyAuto := false
	for _, iface := range desc.ExtraInterfaces {
		if iface.AutoMode {
			anyAuto = true
			break
		}
	}
	if !anyAuto {
		return "", nil
	}

	cfg := networkConfig{
		Version: 2,
		Ethernets: map[string]ethernetConfig{
			"default": {
				Match: matchConfig{MACAddress: desc.DefaultMAC},
				DHCP4: true,
			},
		},
	}
	for i, iface := range desc.ExtraInterfaces {
		if !iface.AutoMode {
			continue
		}
		// Extras yield to the default route and must not block boot.
		cfg.Ethernets[fmt.Sprintf("extra%d", i)] = ethernetConfig{
			Match:          matchConfig{MACAddress: iface.MACAddress},
			DHCP4:          true,
			DHCP4Overrides: &dhcp4Override{RouteMetric: 200},
			Optional:       true,
		}
	}

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
