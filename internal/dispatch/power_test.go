package dispatch

import (
	"encoding/json"
	"testing"
)

func TestHetznerPowerPayload(t *testing.T) {
	payload, err := HetznerPowerPayload(PowerReboot, 42)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var cmd PowerCommand
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		t.Fatal(err)
	}
	if cmd.Provider != "hetzner" || cmd.Action != PowerReboot || cmd.ServerID != 42 {
		t.Errorf("payload = %+v", cmd)
	}

	if _, err := HetznerPowerPayload("explode", 42); err == nil {
		t.Error("unknown action accepted")
	}
	if _, err := HetznerPowerPayload(PowerStart, 0); err == nil {
		t.Error("zero server id accepted")
	}
}

func TestProxmoxPowerPayload(t *testing.T) {
	payload, err := ProxmoxPowerPayload(PowerStop, "pve1", 101, "lxc")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var cmd PowerCommand
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		t.Fatal(err)
	}
	if cmd.Provider != "proxmox" || cmd.Node != "pve1" || cmd.VMID != 101 || cmd.VMType != "lxc" {
		t.Errorf("payload = %+v", cmd)
	}

	if _, err := ProxmoxPowerPayload(PowerStop, "pve1", 101, "vmware"); err == nil {
		t.Error("invalid vm_type accepted")
	}
	if _, err := ProxmoxPowerPayload(PowerStop, "", 101, "qemu"); err == nil {
		t.Error("empty node accepted")
	}
}

func TestParsePowerResult(t *testing.T) {
	out := `{"success": true, "timestamp": "2026-08-23T10:00:00", "data": {"status": "running"}}`
	res, err := ParsePowerResult(out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !res.Success || res.Error != "" {
		t.Errorf("result = %+v", res)
	}

	if _, err := ParsePowerResult("not json"); err == nil {
		t.Error("garbage output accepted")
	}
}
