// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

package dispatch

import (
	"encoding/json"
	"fmt"
)

// Power-control payloads for the fleet's hypervisor and cloud agents.
// Minions running on Hetzner Cloud or Proxmox carry a local agent that
// interprets these and answers with a PowerResult envelope on its result
// topic.

// PowerAction is one host power operation.
type PowerAction string

const (
	PowerStart  PowerAction = "start"
	PowerStop   PowerAction = "stop"
	PowerReboot PowerAction = "reboot"
	PowerStatus PowerAction = "status"
)

func (a PowerAction) valid() bool {
	switch a {
	case PowerStart, PowerStop, PowerReboot, PowerStatus:
		return true
	}
	return false
}

// PowerCommand is the payload body for a power-control dispatch.
type PowerCommand struct {
	Provider string      `json:"provider"`
	Action   PowerAction `json:"action"`
	ServerID int64       `json:"server_id,omitempty"` // hetzner
	Node     string      `json:"node,omitempty"`      // proxmox
	VMID     int         `json:"vmid,omitempty"`      // proxmox
	VMType   string      `json:"vm_type,omitempty"`   // proxmox: qemu or lxc
}

// HetznerPowerPayload builds a payload controlling a Hetzner Cloud server.
func HetznerPowerPayload(action PowerAction, serverID int64) (string, error) {
	if !action.valid() {
		return "", fmt.Errorf("unknown power action %q", action)
	}
	if serverID <= 0 {
		return "", fmt.Errorf("server id must be positive")
	}
	return encodePowerCommand(PowerCommand{Provider: "hetzner", Action: action, ServerID: serverID})
}

// ProxmoxPowerPayload builds a payload controlling a Proxmox guest.
// vmType is "qemu" for virtual machines and "lxc" for containers.
func ProxmoxPowerPayload(action PowerAction, node string, vmid int, vmType string) (string, error) {
	if !action.valid() {
		return "", fmt.Errorf("unknown power action %q", action)
	}
	if node == "" || vmid <= 0 {
		return "", fmt.Errorf("node and vmid are required")
	}
	if vmType != "qemu" && vmType != "lxc" {
		return "", fmt.Errorf("vm_type must be qemu or lxc, got %q", vmType)
	}
	return encodePowerCommand(PowerCommand{Provider: "proxmox", Action: action, Node: node, VMID: vmid, VMType: vmType})
}

func encodePowerCommand(cmd PowerCommand) (string, error) {
	b, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("encode power command: %w", err)
	}
	return string(b), nil
}

// PowerResult is the standardized response envelope the power agents
// print as command output.
type PowerResult struct {
	Success   bool            `json:"success"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ParsePowerResult decodes the output of a finished power-control
// execution.
func ParsePowerResult(output string) (*PowerResult, error) {
	var res PowerResult
	if err := json.Unmarshal([]byte(output), &res); err != nil {
		return nil, fmt.Errorf("parse power result: %w", err)
	}
	return &res, nil
}
