package instancecontrol

import (
	"context"
	"testing"
)

func TestFakeAdapterSatisfiesInterface(t *testing.T) {
	var a Adapter = NewFake("i-123")
	id, ok := a.SelfInstanceID(context.Background())
	if !ok || id != "i-123" {
		t.Fatalf("unexpected self id: %q %v", id, ok)
	}
	if err := a.Stop(context.Background(), id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	desired := int32(0)
	if err := a.SetGroupSize(context.Background(), "asg-1", nil, &desired, nil); err != nil {
		t.Fatalf("set group size: %v", err)
	}
	fake := a.(*Fake)
	if *fake.GroupSizes["asg-1"][1] != 0 {
		t.Fatalf("expected desired size 0 recorded")
	}
}
