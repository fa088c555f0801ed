// Package main implements the net.subnet provider plugin for Caldera.
// It carves subnets out of a CIDR block: pure address arithmetic, so the
// whole provider runs inside the WASM sandbox with no host access.
//
// Build with:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o net.cidr.wasm .
package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/netip"
)

const resourceType = "net.subnet"

type envelope struct {
	Op           string          `json:"op"`
	ResourceType string          `json:"resource_type"`
	Request      json.RawMessage `json:"request,omitempty"`
}

type result struct {
	Error    string      `json:"error,omitempty"`
	Response interface{} `json:"response,omitempty"`
}

type request struct {
	ResourceName string                 `json:"resource_name"`
	PhysicalID   string                 `json:"physical_id"`
	Attribute    string                 `json:"attribute"`
	Properties   map[string]interface{} `json:"properties"`
}

// subnet is a computed allocation within a CIDR block.
type subnet struct {
	prefix    netip.Prefix
	gateway   netip.Addr
	broadcast netip.Addr
	hostCount uint32
}

// handle dispatches one plugin call and returns the result envelope.
func handle(input []byte) []byte {
	var env envelope
	if err := json.Unmarshal(input, &env); err != nil {
		return fail(fmt.Errorf("malformed envelope: %w", err))
	}
	if env.ResourceType != resourceType {
		return fail(fmt.Errorf("unsupported resource type %q", env.ResourceType))
	}

	var req request
	if len(env.Request) > 0 {
		if err := json.Unmarshal(env.Request, &req); err != nil {
			return fail(fmt.Errorf("malformed request: %w", err))
		}
	}

	switch env.Op {
	case "validate":
		_, err := compute(req.Properties)
		if err != nil {
			return fail(err)
		}
		return ok(nil)

	case "create", "update":
		s, err := compute(req.Properties)
		if err != nil {
			return fail(err)
		}
		return ok(map[string]interface{}{
			"physical_id": s.prefix.String(),
			"attributes":  s.attributes(),
		})

	case "delete":
		// Nothing is provisioned anywhere; forgetting the record suffices.
		return ok(nil)

	case "check":
		s, err := compute(req.Properties)
		if err != nil {
			return ok(map[string]interface{}{"healthy": false, "reason": err.Error()})
		}
		if req.PhysicalID != "" && req.PhysicalID != s.prefix.String() {
			return ok(map[string]interface{}{
				"healthy": false,
				"reason":  fmt.Sprintf("recorded subnet %s no longer matches %s", req.PhysicalID, s.prefix),
			})
		}
		return ok(map[string]interface{}{"healthy": true, "attributes": s.attributes()})

	case "resolve_attribute":
		s, err := compute(req.Properties)
		if err != nil {
			return fail(err)
		}
		value, exists := s.attributes()[req.Attribute]
		if !exists {
			return fail(fmt.Errorf("unknown attribute %q", req.Attribute))
		}
		return ok(map[string]interface{}{"value": value})

	default:
		return fail(fmt.Errorf("unsupported operation %q", env.Op))
	}
}

// compute derives the indexed subnet from the properties.
func compute(properties map[string]interface{}) (*subnet, error) {
	cidr, _ := properties["cidr"].(string)
	if cidr == "" {
		return nil, fmt.Errorf("cidr is required")
	}
	block, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid cidr %q: %w", cidr, err)
	}
	if !block.Addr().Is4() {
		return nil, fmt.Errorf("only IPv4 blocks are supported")
	}
	block = block.Masked()

	newPrefix, err := intProperty(properties, "prefix")
	if err != nil {
		return nil, err
	}
	if newPrefix < block.Bits() || newPrefix > 30 {
		return nil, fmt.Errorf("prefix must be between %d and 30", block.Bits())
	}

	index, err := intProperty(properties, "index")
	if err != nil {
		return nil, err
	}
	count := 1 << (newPrefix - block.Bits())
	if index < 0 || index >= count {
		return nil, fmt.Errorf("index %d out of range, block holds %d /%d subnets", index, count, newPrefix)
	}

	base := addrToUint32(block.Addr())
	size := uint32(1) << (32 - newPrefix)
	network := base + uint32(index)*size

	return &subnet{
		prefix:    netip.PrefixFrom(uint32ToAddr(network), newPrefix),
		gateway:   uint32ToAddr(network + 1),
		broadcast: uint32ToAddr(network + size - 1),
		hostCount: size - 2,
	}, nil
}

func (s *subnet) attributes() map[string]interface{} {
	return map[string]interface{}{
		"cidr":              s.prefix.String(),
		"network_address":   s.prefix.Addr().String(),
		"gateway_address":   s.gateway.String(),
		"broadcast_address": s.broadcast.String(),
		"host_count":        s.hostCount,
	}
}

// intProperty reads a numeric property, defaulting to 0 when absent.
func intProperty(properties map[string]interface{}, name string) (int, error) {
	raw, exists := properties[name]
	if !exists || raw == nil {
		return 0, nil
	}
	switch v := raw.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("%s must be a number", name)
	}
}

func addrToUint32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func uint32ToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

func ok(response interface{}) []byte {
	return encode(result{Response: response})
}

func fail(err error) []byte {
	return encode(result{Error: err.Error()})
}

func encode(r result) []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return []byte(`{"error":"failed to encode response"}`)
	}
	return data
}
