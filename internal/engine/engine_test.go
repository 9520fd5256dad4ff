package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/membank/bankd/internal/config"
	"github.com/membank/bankd/internal/runner"
	"github.com/membank/bankd/pkg/models"
)

// EngineSuite exercises the facade end to end against a temp data dir.
type EngineSuite struct {
	suite.Suite
	dir    string
	root   string // artifact root
	cfg    *config.Config
	engine *Engine
}

func (s *EngineSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.root = filepath.Join(s.dir, "bank")
	s.Require().NoError(os.MkdirAll(s.root, 0o755))

	s.cfg = config.Default()
	s.cfg.Checkpoints.Dir = filepath.Join(s.dir, "checkpoints")
	s.cfg.Checkpoints.AutoTriggers = config.TriggerConfig{} // explicit triggers only
	s.cfg.Sessions.Dir = filepath.Join(s.dir, "sessions")

	s.engine = s.newEngine(Options{DataDir: s.dir, Timeline: true})
}

func (s *EngineSuite) TearDownTest() {
	if s.engine != nil {
		s.engine.Close()
	}
}

func (s *EngineSuite) newEngine(opts Options) *Engine {
	manifest := &config.ArtifactManifest{Root: s.root, Artifacts: config.DefaultArtifacts}
	eng, err := New(s.cfg, manifest, opts)
	s.Require().NoError(err)
	return eng
}

func (s *EngineSuite) writeArtifact(name, content string) {
	s.Require().NoError(os.WriteFile(filepath.Join(s.root, name), []byte(content), 0o644))
}

func (s *EngineSuite) readArtifact(name string) string {
	data, err := os.ReadFile(filepath.Join(s.root, name))
	s.Require().NoError(err)
	return string(data)
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

// TestExecuteCommand tests foreground execution through the facade.
func (s *EngineSuite) TestExecuteCommand() {
	s.engine.StartSession("work")

	result, err := s.engine.ExecuteCommand(context.Background(), "echo", []string{"hello"}, runner.Options{})
	s.Require().NoError(err)
	s.True(result.Success)
	s.Equal("hello\n", result.Stdout)

	// The command lands on the session timeline.
	current := s.engine.CurrentSession()
	s.Require().NotNil(current)
	s.Require().Len(current.Commands, 1)
	s.Equal("echo", current.Commands[0].Command)

	// And in the sqlite history.
	rows, err := s.engine.Timeline().RecentExecutions(context.Background(), 10)
	s.Require().NoError(err)
	s.Require().Len(rows, 1)
	s.Equal("echo hello", rows[0].Command)
}

// TestExecuteCommandRejection tests that bad submissions surface as errors.
func (s *EngineSuite) TestExecuteCommandRejection() {
	_, err := s.engine.ExecuteCommand(context.Background(), "", nil, runner.Options{})
	s.ErrorIs(err, runner.ErrEmptyCommand)
}

// TestAutoCheckpointOnCommand tests the post-command trigger.
func (s *EngineSuite) TestAutoCheckpointOnCommand() {
	s.cfg.Checkpoints.AutoTriggers.OnCommand = true
	s.writeArtifact("tasks.md", "- [ ] ship\n")

	result, err := s.engine.ExecuteCommand(context.Background(), "true", nil, runner.Options{})
	s.Require().NoError(err)
	s.True(result.Success)

	cps, err := s.engine.Checkpoints()
	s.Require().NoError(err)
	s.Require().Len(cps, 1)
	s.Equal(models.TriggerCommand, cps[0].Trigger)
	s.True(cps[0].Artifacts[filepath.Join(s.root, "tasks.md")].Exists)

	// Failed commands do not checkpoint.
	_, err = s.engine.ExecuteCommand(context.Background(), "false", nil, runner.Options{})
	s.Require().NoError(err)
	cps, err = s.engine.Checkpoints()
	s.Require().NoError(err)
	s.Len(cps, 1)
}

// TestBackgroundExecution tests submit, completion recording and stop.
func (s *EngineSuite) TestBackgroundExecution() {
	s.engine.StartSession("bg")

	handleID, err := s.engine.ExecuteInBackground("echo", []string{"bg"}, runner.Options{})
	s.Require().NoError(err)
	s.NotEmpty(handleID)

	s.Require().Eventually(func() bool {
		rows, err := s.engine.Timeline().RecentExecutions(context.Background(), 10)
		return err == nil && len(rows) == 1
	}, 5*time.Second, 20*time.Millisecond)

	rows, _ := s.engine.Timeline().RecentExecutions(context.Background(), 10)
	s.True(rows[0].Background)
	s.Equal("echo bg", rows[0].Command)

	current := s.engine.CurrentSession()
	s.Require().Len(current.Commands, 1)
	s.True(current.Commands[0].Background)
}

// TestStopProcess tests stopping a background process through the facade.
func (s *EngineSuite) TestStopProcess() {
	handleID, err := s.engine.ExecuteInBackground("sleep", []string{"30"}, runner.Options{Timeout: time.Minute})
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		for _, h := range s.engine.ActiveProcesses() {
			if h.ID == handleID && h.Status == models.ProcessStatusRunning {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	s.True(s.engine.StopProcess(handleID))
	s.False(s.engine.StopProcess("unknown-handle"))
}

// TestSwitchMode tests the transition checkpoint and session recording.
func (s *EngineSuite) TestSwitchMode() {
	s.cfg.Checkpoints.AutoTriggers.OnModeSwitch = true
	s.writeArtifact("activeContext.md", "context v1\n")

	cp, err := s.engine.SwitchMode("plan", "planning the feature")
	s.Require().NoError(err)
	s.Require().NotNil(cp)
	s.Equal(models.TriggerModeSwitch, cp.Trigger)
	s.Equal("van", cp.Mode) // snapshot is taken before the switch

	s.Equal("plan", s.engine.Mode())

	// A session was started implicitly to carry the mode history.
	current := s.engine.CurrentSession()
	s.Require().NotNil(current)
	s.Equal("plan", current.CurrentMode)
}

// TestSwitchModeWithoutTrigger tests that disabled transition checkpoints
// return nil.
func (s *EngineSuite) TestSwitchModeWithoutTrigger() {
	cp, err := s.engine.SwitchMode("implement", "")
	s.Require().NoError(err)
	s.Nil(cp)
	s.Equal("implement", s.engine.Mode())

	_, err = s.engine.SwitchMode("", "")
	s.Error(err)
}

// TestCheckpointAndRewind tests the full snapshot, mutate, restore cycle.
func (s *EngineSuite) TestCheckpointAndRewind() {
	s.writeArtifact("tasks.md", "- [ ] original\n")
	s.writeArtifact("progress.md", "10%\n")

	cp, err := s.engine.CreateCheckpoint("before edits", models.TriggerManual)
	s.Require().NoError(err)

	s.writeArtifact("tasks.md", "- [x] mangled\n")
	s.Require().NoError(os.Remove(filepath.Join(s.root, "progress.md")))

	result, err := s.engine.RewindTo(cp.ID)
	s.Require().NoError(err)
	s.True(result.Success)
	// Absent artifacts are applied too (removed if present).
	s.Equal(len(config.DefaultArtifacts), result.FilesRestored)

	s.Equal("- [ ] original\n", s.readArtifact("tasks.md"))
	s.Equal("10%\n", s.readArtifact("progress.md"))

	// The rewind landed in the sqlite history.
	rows, err := s.engine.Timeline().RewindHistory(context.Background(), 10)
	s.Require().NoError(err)
	s.Require().Len(rows, 1)
	s.Equal(cp.ID, rows[0].CheckpointID)
	s.Equal(models.RewindStatusCompleted, rows[0].Status)
}

// TestRewindToUnknownCheckpoint tests the not-found error.
func (s *EngineSuite) TestRewindToUnknownCheckpoint() {
	_, err := s.engine.RewindTo("no-such-id")
	s.ErrorIs(err, ErrCheckpointNotFound)
}

// TestUndoLastRewind tests one-level undo through the facade.
func (s *EngineSuite) TestUndoLastRewind() {
	s.writeArtifact("tasks.md", "old\n")
	cp, err := s.engine.CreateCheckpoint("snapshot", models.TriggerManual)
	s.Require().NoError(err)

	s.writeArtifact("tasks.md", "new\n")

	result, err := s.engine.RewindTo(cp.ID)
	s.Require().NoError(err)
	s.True(result.Success)
	s.Equal("old\n", s.readArtifact("tasks.md"))

	s.True(s.engine.UndoLastRewind())
	s.Equal("new\n", s.readArtifact("tasks.md"))

	s.False(s.engine.UndoLastRewind())
}

// TestModeRestoredByRewind tests that rewinding restores the mode label.
func (s *EngineSuite) TestModeRestoredByRewind() {
	s.writeArtifact("tasks.md", "x\n")

	_, err := s.engine.SwitchMode("creative", "")
	s.Require().NoError(err)
	cp, err := s.engine.CreateCheckpoint("in creative", models.TriggerManual)
	s.Require().NoError(err)

	_, err = s.engine.SwitchMode("implement", "")
	s.Require().NoError(err)
	s.Equal("implement", s.engine.Mode())

	result, err := s.engine.RewindTo(cp.ID)
	s.Require().NoError(err)
	s.True(result.Success)
	s.Equal("creative", s.engine.Mode())
}

// TestWatcherTriggersFileChangeCheckpoint tests the watcher wiring.
func (s *EngineSuite) TestWatcherTriggersFileChangeCheckpoint() {
	s.engine.Close()

	s.cfg.Checkpoints.AutoTriggers.OnFileChange = true
	s.engine = s.newEngine(Options{DataDir: s.dir, Timeline: false, Watch: true})

	time.Sleep(100 * time.Millisecond)
	s.writeArtifact("tasks.md", "- [ ] watched\n")

	s.Require().Eventually(func() bool {
		cps, err := s.engine.Checkpoints()
		return err == nil && len(cps) >= 1
	}, 5*time.Second, 50*time.Millisecond)

	cps, _ := s.engine.Checkpoints()
	s.Equal(models.TriggerFileChange, cps[0].Trigger)
}

// TestStats tests the aggregate snapshot.
func (s *EngineSuite) TestStats() {
	s.writeArtifact("tasks.md", "t\n")

	_, err := s.engine.ExecuteCommand(context.Background(), "true", nil, runner.Options{})
	s.Require().NoError(err)
	_, err = s.engine.CreateCheckpoint("snap", models.TriggerManual)
	s.Require().NoError(err)
	s.engine.StartSession("stats")

	stats := s.engine.Stats()
	s.Equal(int64(1), stats.Foreground.Total)
	s.Equal(1, stats.Checkpoints)
	s.Equal(1, stats.Sessions.Active)
	s.Equal("van", stats.Mode)
}

// TestCloseIsIdempotent tests repeated shutdown.
func (s *EngineSuite) TestCloseIsIdempotent() {
	s.NoError(s.engine.Close())
	s.NoError(s.engine.Close())
}
