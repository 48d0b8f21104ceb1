//nolint:testpackage // white-box test
package supervisor

import (
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"foundry/pkg/tasksource"
	"foundry/pkg/workspace"
)

func shFactory(script string) func(task tasksource.Task, ws *workspace.Workspace) *exec.Cmd {
	return func(task tasksource.Task, ws *workspace.Workspace) *exec.Cmd {
		return exec.Command("sh", "-c", script)
	}
}

func waitExit(t *testing.T, pm *ExecProcessManager) ExitEvent {
	t.Helper()
	select {
	case ev := <-pm.Exits():
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for exit event")
		return ExitEvent{}
	}
}

func TestSpawnReportsCleanExit(t *testing.T) {
	pm := NewExecProcessManagerWithFactory(time.Second, shFactory("exit 0"))
	logPath := filepath.Join(t.TempDir(), "output.log")

	pid, err := pm.Spawn(tasksource.Task{ID: "task-1"}, nil, logPath)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("pid = %d", pid)
	}

	ev := waitExit(t, pm)
	if ev.TaskID != "task-1" || ev.ExitCode != 0 {
		t.Errorf("exit event = %+v, want task-1 code 0", ev)
	}
	pm.Wait()
}

func TestSpawnReportsFailureCode(t *testing.T) {
	pm := NewExecProcessManagerWithFactory(time.Second, shFactory("exit 3"))
	logPath := filepath.Join(t.TempDir(), "output.log")

	if _, err := pm.Spawn(tasksource.Task{ID: "task-1"}, nil, logPath); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	ev := waitExit(t, pm)
	if ev.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", ev.ExitCode)
	}
	pm.Wait()
}

func TestKillEscalates(t *testing.T) {
	// The worker ignores SIGTERM; only the SIGKILL escalation ends it.
	pm := NewExecProcessManagerWithFactory(200*time.Millisecond,
		shFactory("trap '' TERM; while :; do sleep 0.1; done"))
	logPath := filepath.Join(t.TempDir(), "output.log")

	pid, err := pm.Spawn(tasksource.Task{ID: "task-1"}, nil, logPath)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	// Give the shell a moment to install its trap.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	if err := pm.Kill("task-1"); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("Kill returned in %s, before the grace period elapsed", elapsed)
	}

	ev := waitExit(t, pm)
	if ev.ExitCode == 0 {
		t.Errorf("killed worker reported clean exit")
	}
	if pm.Alive(pid) {
		t.Error("process still alive after Kill")
	}
	pm.Wait()
}

func TestKillExitsPromptlyWhenWorkerCooperates(t *testing.T) {
	pm := NewExecProcessManagerWithFactory(5*time.Second, shFactory("sleep 60"))
	logPath := filepath.Join(t.TempDir(), "output.log")

	if _, err := pm.Spawn(tasksource.Task{ID: "task-1"}, nil, logPath); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	if err := pm.Kill("task-1"); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("cooperative kill took %s, should not wait out the full grace", elapsed)
	}
	pm.Wait()
}

func TestKillUnknownWorker(t *testing.T) {
	pm := newProcessManager(time.Second)
	if err := pm.Kill("task-9"); err == nil {
		t.Fatal("expected error for unknown worker")
	}
}
