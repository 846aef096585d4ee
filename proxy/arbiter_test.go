// Copyright 2026 The Sensormux Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"errors"
	"testing"
)

func TestArbiterEnableDisableSingleSession(t *testing.T) {
	t.Parallel()

	core := newTestCore(t)
	session := core.addSession(t)

	if err := core.arbiter.OnEnableChanged(session, 2, true); err != nil {
		t.Fatalf("enabling: %v", err)
	}
	requireCalls(t, core.device, "activate 2 true")
	if got := core.arbiter.Refcount(2); got != 1 {
		t.Errorf("refcount = %d, want 1", got)
	}
	core.checkRefcountInvariant(t)

	if err := core.arbiter.OnEnableChanged(session, 2, false); err != nil {
		t.Fatalf("disabling: %v", err)
	}
	requireCalls(t, core.device, "activate 2 true", "activate 2 false")
	if got := core.arbiter.Refcount(2); got != 0 {
		t.Errorf("refcount after disable = %d, want 0", got)
	}
	core.checkRefcountInvariant(t)
}

func TestArbiterEnableIsIdempotent(t *testing.T) {
	t.Parallel()

	core := newTestCore(t)
	session := core.addSession(t)

	for i := 0; i < 3; i++ {
		if err := core.arbiter.OnEnableChanged(session, 0, true); err != nil {
			t.Fatalf("enabling: %v", err)
		}
	}
	requireCalls(t, core.device, "activate 0 true")
	if got := core.arbiter.Refcount(0); got != 1 {
		t.Errorf("refcount = %d, want 1 after repeated enables", got)
	}

	// Disabling an already-disabled sensor is equally a no-op.
	core.clearCalls(t)
	if err := core.arbiter.OnEnableChanged(session, 1, false); err != nil {
		t.Fatalf("disabling idle sensor: %v", err)
	}
	requireCalls(t, core.device)
}

func TestArbiterSecondSubscriberKeepsHardwareOn(t *testing.T) {
	t.Parallel()

	core := newTestCore(t)
	first := core.addSession(t)
	second := core.addSession(t)

	if err := core.arbiter.OnEnableChanged(first, 3, true); err != nil {
		t.Fatalf("first enable: %v", err)
	}
	if err := core.arbiter.OnEnableChanged(second, 3, true); err != nil {
		t.Fatalf("second enable: %v", err)
	}
	// One hardware activation despite two subscribers.
	requireCalls(t, core.device, "activate 3 true")
	if got := core.arbiter.Refcount(3); got != 2 {
		t.Errorf("refcount = %d, want 2", got)
	}

	if err := core.arbiter.OnEnableChanged(first, 3, false); err != nil {
		t.Fatalf("first disable: %v", err)
	}
	// Hardware stays on while the second subscriber remains.
	requireCalls(t, core.device, "activate 3 true")

	if err := core.arbiter.OnEnableChanged(second, 3, false); err != nil {
		t.Fatalf("second disable: %v", err)
	}
	requireCalls(t, core.device, "activate 3 true", "activate 3 false")
	core.checkRefcountInvariant(t)
}

func TestArbiterDelayMinimumWins(t *testing.T) {
	t.Parallel()

	core := newTestCore(t)
	fast := core.addSession(t)
	slow := core.addSession(t)

	// The 20ms subscriber arrives first.
	if err := core.arbiter.OnEnableChanged(fast, 3, true); err != nil {
		t.Fatalf("fast enable: %v", err)
	}
	if err := core.arbiter.OnDelayRequested(fast, 3, 20_000_000); err != nil {
		t.Fatalf("fast delay: %v", err)
	}
	// The 50ms subscriber must not slow the shared sensor down.
	if err := core.arbiter.OnEnableChanged(slow, 3, true); err != nil {
		t.Fatalf("slow enable: %v", err)
	}
	if err := core.arbiter.OnDelayRequested(slow, 3, 50_000_000); err != nil {
		t.Fatalf("slow delay: %v", err)
	}

	requireCalls(t, core.device,
		"activate 3 true",
		"setdelay 3 20000000",
	)
	if got := core.arbiter.EffectiveDelay(3); got != 20_000_000 {
		t.Errorf("effective delay = %d, want 20000000", got)
	}
}

func TestArbiterDelayReprogramsWhenMinimumChanges(t *testing.T) {
	t.Parallel()

	core := newTestCore(t)
	fast := core.addSession(t)
	slow := core.addSession(t)

	for _, step := range []struct {
		s     *Session
		delay int64
	}{
		{slow, 50_000_000},
		{fast, 20_000_000},
	} {
		if err := core.arbiter.OnEnableChanged(step.s, 1, true); err != nil {
			t.Fatalf("enable: %v", err)
		}
		if err := core.arbiter.OnDelayRequested(step.s, 1, step.delay); err != nil {
			t.Fatalf("delay: %v", err)
		}
	}
	requireCalls(t, core.device,
		"activate 1 true",
		"setdelay 1 50000000",
		"setdelay 1 20000000",
	)

	// The fast subscriber leaving raises the minimum back to 50ms.
	core.clearCalls(t)
	if err := core.arbiter.OnEnableChanged(fast, 1, false); err != nil {
		t.Fatalf("fast disable: %v", err)
	}
	if err := core.arbiter.EvaluateDelay(1); err != nil {
		t.Fatalf("re-evaluating: %v", err)
	}
	requireCalls(t, core.device, "setdelay 1 50000000")
}

func TestArbiterDisableWithSurvivorChangesNothing(t *testing.T) {
	t.Parallel()

	core := newTestCore(t)
	leaving := core.addSession(t)
	holding := core.addSession(t)

	if err := core.arbiter.OnEnableChanged(holding, 3, true); err != nil {
		t.Fatalf("holding enable: %v", err)
	}
	if err := core.arbiter.OnDelayRequested(holding, 3, 20_000_000); err != nil {
		t.Fatalf("holding delay: %v", err)
	}
	if err := core.arbiter.OnEnableChanged(leaving, 3, true); err != nil {
		t.Fatalf("leaving enable: %v", err)
	}
	if err := core.arbiter.OnDelayRequested(leaving, 3, 50_000_000); err != nil {
		t.Fatalf("leaving delay: %v", err)
	}

	// The slower subscriber backing out changes neither the hardware
	// activation nor the minimum.
	core.clearCalls(t)
	if err := core.arbiter.OnEnableChanged(leaving, 3, false); err != nil {
		t.Fatalf("leaving disable: %v", err)
	}
	if err := core.arbiter.EvaluateDelay(3); err != nil {
		t.Fatalf("re-evaluating: %v", err)
	}
	requireCalls(t, core.device)
	if got := core.arbiter.Refcount(3); got != 1 {
		t.Errorf("refcount = %d, want 1", got)
	}
	if got := core.arbiter.EffectiveDelay(3); got != 20_000_000 {
		t.Errorf("effective delay = %d, want 20000000", got)
	}
	core.checkRefcountInvariant(t)
}

func TestArbiterDelayWithoutPreferenceProgramsNothing(t *testing.T) {
	t.Parallel()

	core := newTestCore(t)
	session := core.addSession(t)

	if err := core.arbiter.OnEnableChanged(session, 0, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	// Zero means "no preference"; the device keeps its default rate.
	if err := core.arbiter.OnDelayRequested(session, 0, 0); err != nil {
		t.Fatalf("delay: %v", err)
	}
	requireCalls(t, core.device, "activate 0 true")
	if got := core.arbiter.EffectiveDelay(0); got != 0 {
		t.Errorf("effective delay = %d, want 0", got)
	}
}

func TestArbiterDelayFromDisabledSessionIgnored(t *testing.T) {
	t.Parallel()

	core := newTestCore(t)
	watcher := core.addSession(t)
	bystander := core.addSession(t)

	if err := core.arbiter.OnEnableChanged(watcher, 2, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := core.arbiter.OnDelayRequested(watcher, 2, 40_000_000); err != nil {
		t.Fatalf("watcher delay: %v", err)
	}
	// A faster request from a session that has not enabled the sensor
	// does not participate in the minimum.
	if err := core.arbiter.OnDelayRequested(bystander, 2, 5_000_000); err != nil {
		t.Fatalf("bystander delay: %v", err)
	}
	requireCalls(t, core.device,
		"activate 2 true",
		"setdelay 2 40000000",
	)

	// Once the bystander subscribes, its request takes effect.
	if err := core.arbiter.OnEnableChanged(bystander, 2, true); err != nil {
		t.Fatalf("bystander enable: %v", err)
	}
	if err := core.arbiter.EvaluateDelay(2); err != nil {
		t.Fatalf("re-evaluating: %v", err)
	}
	requireCalls(t, core.device,
		"activate 2 true",
		"setdelay 2 40000000",
		"setdelay 2 5000000",
	)
}

func TestArbiterUnchangedMinimumNotReprogrammed(t *testing.T) {
	t.Parallel()

	core := newTestCore(t)
	first := core.addSession(t)
	second := core.addSession(t)

	for _, s := range []*Session{first, second} {
		if err := core.arbiter.OnEnableChanged(s, 5, true); err != nil {
			t.Fatalf("enable: %v", err)
		}
		if err := core.arbiter.OnDelayRequested(s, 5, 10_000_000); err != nil {
			t.Fatalf("delay: %v", err)
		}
	}
	// Identical second request leaves the hardware alone.
	requireCalls(t, core.device,
		"activate 5 true",
		"setdelay 5 10000000",
	)
}

func TestArbiterDelayRestoredOnReactivation(t *testing.T) {
	t.Parallel()

	core := newTestCore(t)
	session := core.addSession(t)

	if err := core.arbiter.OnEnableChanged(session, 1, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := core.arbiter.OnDelayRequested(session, 1, 25_000_000); err != nil {
		t.Fatalf("delay: %v", err)
	}
	if err := core.arbiter.OnEnableChanged(session, 1, false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	core.clearCalls(t)
	if err := core.arbiter.OnEnableChanged(session, 1, true); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	// The negotiated delay is reissued so the device does not resume
	// at its power-on default.
	requireCalls(t, core.device,
		"activate 1 true",
		"setdelay 1 25000000",
	)
}

func TestArbiterReleaseSessionDisablesHeldSensors(t *testing.T) {
	t.Parallel()

	core := newTestCore(t)
	leaving := core.addSession(t)
	staying := core.addSession(t)

	// leaving holds 1 and 5, staying shares 1.
	for _, h := range []int32{1, 5} {
		if err := core.arbiter.OnEnableChanged(leaving, h, true); err != nil {
			t.Fatalf("enable %d: %v", h, err)
		}
	}
	if err := core.arbiter.OnEnableChanged(staying, 1, true); err != nil {
		t.Fatalf("staying enable: %v", err)
	}

	core.clearCalls(t)
	core.arbiter.releaseSession(leaving)

	// Sensor 1 stays on for the surviving subscriber; only 5 goes off.
	requireCalls(t, core.device, "activate 5 false")
	if got := core.arbiter.Refcount(1); got != 1 {
		t.Errorf("refcount[1] = %d, want 1", got)
	}
	if got := core.arbiter.Refcount(5); got != 0 {
		t.Errorf("refcount[5] = %d, want 0", got)
	}
	core.checkRefcountInvariant(t)
}

func TestArbiterInvalidHandle(t *testing.T) {
	t.Parallel()

	core := newTestCore(t)
	session := core.addSession(t)

	for _, handle := range []int32{-1, 6, 100} {
		if err := core.arbiter.OnEnableChanged(session, handle, true); !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("OnEnableChanged(%d): got %v, want ErrInvalidHandle", handle, err)
		}
		if err := core.arbiter.OnDelayRequested(session, handle, 1000); !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("OnDelayRequested(%d): got %v, want ErrInvalidHandle", handle, err)
		}
	}
	requireCalls(t, core.device)
}

func TestArbiterHardwareFailureKeepsBookkeeping(t *testing.T) {
	t.Parallel()

	core := newTestCore(t)
	session := core.addSession(t)
	core.device.mu.Lock()
	core.device.activateErr = errors.New("i2c timeout")
	core.device.mu.Unlock()

	// A failing Activate is logged but the software state advances;
	// the next disable still issues the symmetric call.
	if err := core.arbiter.OnEnableChanged(session, 0, true); err != nil {
		t.Fatalf("enable with failing hardware: %v", err)
	}
	if got := core.arbiter.Refcount(0); got != 1 {
		t.Errorf("refcount = %d, want 1 despite hardware failure", got)
	}
	if err := core.arbiter.OnEnableChanged(session, 0, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	requireCalls(t, core.device, "activate 0 true", "activate 0 false")
	core.checkRefcountInvariant(t)
}
