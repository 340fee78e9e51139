package cloudinit

import (
	"bytes"
	"fmt"

	"github.com/kdomanski/iso9660"

	"github.com/xfeldman/cirrus/internal/vm"
)

// GenerateSeedISO builds the NoCloud seed image for an instance. The
// volume label must be CIDATA for cloud-init to find the datasource.
// network-config is included only when GenerateNetworkData emits one.
func GenerateSeedISO(desc *vm.Description, sshKeys []string) ([]byte, error) {
	metaData, err := GenerateMetaData(desc.Name)
	if err != nil {
		return nil, fmt.Errorf("generate meta-data: %w", err)
	}
	vendorData, err := GenerateVendorData(desc, sshKeys)
	if err != nil {
		return nil, fmt.Errorf("generate vendor-data: %w", err)
	}
	networkData, err := GenerateNetworkData(desc)
	if err != nil {
		return nil, fmt.Errorf("generate network-config: %w", err)
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("create ISO writer: %w", err)
	}
	defer func() {
		_ = writer.Cleanup()
	}()

	files := map[string]string{
		"meta-data":   metaData,
		"user-data":   "#cloud-config\n{}\n",
		"vendor-data": vendorData,
	}
	if networkData != "" {
		files["network-config"] = networkData
	}
	for name, body := range files {
		if err := writer.AddFile(bytes.NewReader([]byte(body)), name); err != nil {
			return nil, fmt.Errorf("add %s: %w", name, err)
		}
	}

	var buf bytes.Buffer
	if err := writer.WriteTo(&buf, "CIDATA"); err != nil {
		return nil, fmt.Errorf("write ISO image: %w", err)
	}
	return buf.Bytes(), nil
}
