package routing

import (
	"testing"

	"github.com/psdaq-go/ebcore/internal/wire"
)

const sampleScript = `
exports.contract = function(pulseId, serviceCode) {
  if (serviceCode === 1) {
    return "calib";
  }
  return "default";
};
`

func TestResolvePicksGroupByServiceCode(t *testing.T) {
	groups := Groups{"default": 0b11, "calib": 0b111}
	script, err := Compile(sampleScript, groups)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	mask, err := script.Resolve(wire.Fragment{Header: wire.Header{PulseID: 1, Service: 0}})
	if err != nil {
		t.Fatalf("resolve default: %v", err)
	}
	if mask != 0b11 {
		t.Fatalf("expected default mask 0b11, got %#b", mask)
	}

	mask, err = script.Resolve(wire.Fragment{Header: wire.Header{PulseID: 2, Service: 1}})
	if err != nil {
		t.Fatalf("resolve calib: %v", err)
	}
	if mask != 0b111 {
		t.Fatalf("expected calib mask 0b111, got %#b", mask)
	}
}

func TestResolveUnknownGroupErrors(t *testing.T) {
	groups := Groups{"default": 0b11}
	script, err := Compile(`exports.contract = function() { return "missing"; };`, groups)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := script.Resolve(wire.Fragment{}); err == nil {
		t.Fatal("expected error for unresolved group name")
	}
}

func TestCompileRejectsMissingExport(t *testing.T) {
	if _, err := Compile(`exports.other = function() {};`, Groups{"default": 1}); err == nil {
		t.Fatal("expected error for missing contract export")
	}
}

func TestCompileRequiresAtLeastOneGroup(t *testing.T) {
	if _, err := Compile(`exports.contract = function() { return "x"; };`, nil); err == nil {
		t.Fatal("expected error for empty group table")
	}
}

func TestContractFuncFallsBackOnError(t *testing.T) {
	script, err := Compile(`exports.contract = function() { return "missing"; };`, Groups{"default": 0b11})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	var reported error
	fn := script.ContractFunc(func(_ wire.Fragment, err error) { reported = err }, 0b1)

	mask := fn(wire.Fragment{})
	if mask != 0b1 {
		t.Fatalf("expected fallback mask, got %#b", mask)
	}
	if reported == nil {
		t.Fatal("expected onError to be invoked")
	}
}
