package main

import (
	"encoding/json"
	"strings"
	"testing"
)

func call(t *testing.T, op string, req map[string]interface{}) (interface{}, string) {
	t.Helper()
	reqJSON, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	input, err := json.Marshal(map[string]interface{}{
		"op":            op,
		"resource_type": resourceType,
		"request":       json.RawMessage(reqJSON),
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	var out struct {
		Error    string      `json:"error"`
		Response interface{} `json:"response"`
	}
	if err := json.Unmarshal(handle(input), &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return out.Response, out.Error
}

func props(cidr string, prefix, index int) map[string]interface{} {
	return map[string]interface{}{
		"properties": map[string]interface{}{
			"cidr":   cidr,
			"prefix": prefix,
			"index":  index,
		},
	}
}

func TestCreateComputesSubnet(t *testing.T) {
	resp, errMsg := call(t, "create", props("10.0.0.0/16", 24, 3))
	if errMsg != "" {
		t.Fatalf("create: %s", errMsg)
	}

	m := resp.(map[string]interface{})
	if m["physical_id"] != "10.0.3.0/24" {
		t.Errorf("physical_id = %v", m["physical_id"])
	}
	attrs := m["attributes"].(map[string]interface{})
	if attrs["gateway_address"] != "10.0.3.1" {
		t.Errorf("gateway = %v", attrs["gateway_address"])
	}
	if attrs["broadcast_address"] != "10.0.3.255" {
		t.Errorf("broadcast = %v", attrs["broadcast_address"])
	}
	if attrs["host_count"] != float64(254) {
		t.Errorf("host_count = %v", attrs["host_count"])
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		req  map[string]interface{}
		want string
	}{
		{"missing_cidr", props("", 24, 0), "cidr is required"},
		{"bad_cidr", props("10.0.0.0/40", 24, 0), "invalid cidr"},
		{"ipv6", props("2001:db8::/32", 48, 0), "IPv4"},
		{"prefix_too_small", props("10.0.0.0/16", 8, 0), "prefix must be"},
		{"index_out_of_range", props("10.0.0.0/16", 24, 256), "out of range"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, errMsg := call(t, "validate", tc.req)
			if errMsg == "" {
				t.Fatal("invalid input validated")
			}
			if !strings.Contains(errMsg, tc.want) {
				t.Errorf("error = %q, want %q", errMsg, tc.want)
			}
		})
	}
}

func TestCheckDetectsDrift(t *testing.T) {
	req := props("10.0.0.0/16", 24, 3)
	req["physical_id"] = "10.0.9.0/24"

	resp, errMsg := call(t, "check", req)
	if errMsg != "" {
		t.Fatalf("check: %s", errMsg)
	}
	m := resp.(map[string]interface{})
	if m["healthy"] != false {
		t.Errorf("drifted subnet reported healthy")
	}
}

func TestCheckHealthy(t *testing.T) {
	req := props("192.168.0.0/24", 26, 1)
	req["physical_id"] = "192.168.0.64/26"

	resp, errMsg := call(t, "check", req)
	if errMsg != "" {
		t.Fatalf("check: %s", errMsg)
	}
	m := resp.(map[string]interface{})
	if m["healthy"] != true {
		t.Errorf("check = %v", m)
	}
}

func TestResolveAttribute(t *testing.T) {
	req := props("10.0.0.0/16", 24, 0)
	req["attribute"] = "network_address"

	resp, errMsg := call(t, "resolve_attribute", req)
	if errMsg != "" {
		t.Fatalf("resolve: %s", errMsg)
	}
	m := resp.(map[string]interface{})
	if m["value"] != "10.0.0.0" {
		t.Errorf("value = %v", m["value"])
	}

	req["attribute"] = "mtu"
	if _, errMsg := call(t, "resolve_attribute", req); errMsg == "" {
		t.Error("unknown attribute resolved")
	}
}

func TestUnsupportedOpAndType(t *testing.T) {
	if _, errMsg := call(t, "dance", props("10.0.0.0/16", 24, 0)); errMsg == "" {
		t.Error("unknown op accepted")
	}

	input, _ := json.Marshal(map[string]interface{}{"op": "create", "resource_type": "cloud.unicorn"})
	var out struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(handle(input), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Error == "" {
		t.Error("unknown resource type accepted")
	}
}
