package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/paksync/internal/config"
	"github.com/agentworkforce/paksync/internal/docserver"
	"github.com/agentworkforce/paksync/internal/filemanager"
	"github.com/agentworkforce/paksync/internal/media"
	"github.com/agentworkforce/paksync/internal/pak"
	"github.com/agentworkforce/paksync/internal/savedata"
)

var usaGame = media.GameID{Code: [4]byte{'N', 'D', '3', 'E'}, Publisher: [2]byte{'A', '4'}}

func castlevaniaSlot(t *testing.T, timesSaved uint32) media.SaveSlot {
	t.Helper()
	payload := make([]byte, savedata.RecordsPerNote*savedata.SlotStride)
	rec := payload[:savedata.SlotStride]
	binary.BigEndian.PutUint32(rec[0x40:], 1)
	binary.BigEndian.PutUint32(rec[0x50:], 600*60)
	binary.BigEndian.PutUint32(rec[0xB4:], timesSaved)
	require.NoError(t, savedata.SealSlot(rec))
	h := pak.NewNoteHeader(usaGame.Code, usaGame.Publisher, "CASTLEVANIA", [4]byte{})
	return media.NewSlot(usaGame, "CASTLEVANIA", h[:], payload)
}

// writeNoteFile exports slot as a standalone note file.
func writeNoteFile(t *testing.T, dir string, slot media.SaveSlot) string {
	t.Helper()
	m := filemanager.New(filemanager.Options{})
	require.NoError(t, m.OpenBytes("src.mpk", pak.Format([24]byte{'s', 'r', 'c'})))
	placed, err := m.ImportSlot(slot, media.ImportOptions{Index: -1})
	require.NoError(t, err)
	data, err := m.ExportSlot(placed.Index)
	require.NoError(t, err)
	path := filepath.Join(dir, "castlevania.note")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "paksync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  output: none\n"+body), 0o644))
	return path
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), args, &out)
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runCommand(t, args...)
	require.NoError(t, err, out)
	return out
}

func inspectJSON(t *testing.T, cfgPath, image string) []slotInfo {
	t.Helper()
	out := mustRun(t, "--config", cfgPath, "--image", image, "inspect", "--json")
	var infos []slotInfo
	require.NoError(t, json.Unmarshal([]byte(out), &infos), out)
	return infos
}

func TestSlotCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "")
	image := filepath.Join(dir, "pak.mpk")
	slot := castlevaniaSlot(t, 3)
	note := writeNoteFile(t, dir, slot)

	out := mustRun(t, "--config", cfgPath, "format", image)
	assert.Contains(t, out, "formatted "+image)
	_, err := runCommand(t, "--config", cfgPath, "format", image)
	assert.ErrorContains(t, err, "already exists")
	mustRun(t, "--config", cfgPath, "format", "--force", image)

	assert.Empty(t, inspectJSON(t, cfgPath, image))

	out = mustRun(t, "--config", cfgPath, "--image", image, "import", note)
	assert.Contains(t, out, "imported "+slot.Key()+" into slot 0")

	infos := inspectJSON(t, cfgPath, image)
	require.Len(t, infos, 1)
	assert.Equal(t, slot.Key(), infos[0].Key)
	assert.Equal(t, "note", infos[0].Format)
	assert.Equal(t, uint32(3), infos[0].TimesSaved)
	require.NotNil(t, infos[0].ChecksumOK)
	assert.True(t, *infos[0].ChecksumOK)

	out = mustRun(t, "--config", cfgPath, "--image", image, "inspect")
	assert.Contains(t, out, "pak.mpk (controller-pak), 1 slot(s)")
	assert.Contains(t, out, slot.Key())

	_, err = runCommand(t, "--config", cfgPath, "--image", image, "import", "--index", "0", note)
	assert.ErrorIs(t, err, media.ErrInvalidSlotTarget)
	mustRun(t, "--config", cfgPath, "--image", image, "import", "--index", "0", "--overwrite", note)
	assert.Len(t, inspectJSON(t, cfgPath, image), 1)

	exported := filepath.Join(dir, "out.note")
	mustRun(t, "--config", cfgPath, "--image", image, "export", "0", exported)
	data, err := os.ReadFile(exported)
	require.NoError(t, err)
	got, err := media.ReadSlotFile(data)
	require.NoError(t, err)
	assert.Equal(t, slot.Payload, got.Payload)

	_, err = runCommand(t, "--config", cfgPath, "--image", image, "export", "7")
	assert.ErrorIs(t, err, media.ErrInvalidSlotTarget)
	_, err = runCommand(t, "--config", cfgPath, "--image", image, "delete", "x")
	assert.ErrorContains(t, err, "invalid slot index")

	out = mustRun(t, "--config", cfgPath, "--image", image, "delete", "0")
	assert.Contains(t, out, "deleted slot 0")
	assert.Empty(t, inspectJSON(t, cfgPath, image))
}

func TestCommandsRequireImage(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), "")
	for _, args := range [][]string{{"inspect"}, {"plan"}, {"sync"}, {"delete", "0"}} {
		_, err := runCommand(t, append([]string{"--config", cfgPath}, args...)...)
		assert.ErrorIs(t, err, errNoImage, args)
	}
}

func TestSyncThroughDocumentServer(t *testing.T) {
	ts := httptest.NewServer(docserver.NewServer(docserver.ServerConfig{}))
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "remote:\n  dsn: "+ts.URL+"/saves\n  max_retries: 1\n")
	slot := castlevaniaSlot(t, 5)
	note := writeNoteFile(t, dir, slot)

	imageA := filepath.Join(dir, "a.mpk")
	imageB := filepath.Join(dir, "b.mpk")
	mustRun(t, "--config", cfgPath, "format", imageA)
	mustRun(t, "--config", cfgPath, "format", imageB)
	mustRun(t, "--config", cfgPath, "--image", imageA, "import", note)

	out := mustRun(t, "--config", cfgPath, "--image", imageA, "plan")
	assert.Contains(t, out, "create")
	assert.Contains(t, out, slot.Key())

	out = mustRun(t, "--config", cfgPath, "--image", imageA, "sync")
	assert.Contains(t, out, "create "+slot.Key()+": applied")
	assert.FileExists(t, imageA+".ledger.json")

	out = mustRun(t, "--config", cfgPath, "--image", imageA, "plan")
	assert.Equal(t, "in sync\n", out)

	out = mustRun(t, "--config", cfgPath, "--image", imageB, "sync")
	assert.Contains(t, out, "fetch "+slot.Key()+": applied")
	infos := inspectJSON(t, cfgPath, imageB)
	require.Len(t, infos, 1)
	assert.Equal(t, slot.Key(), infos[0].Key)
	assert.Equal(t, uint32(5), infos[0].TimesSaved)

	out = mustRun(t, "--config", cfgPath, "--image", imageB, "sync")
	assert.Contains(t, out, "sync: 0 action(s), 0 unresolved conflict(s)")
}

func TestSyncReportsConflictsUnderManualPolicy(t *testing.T) {
	ts := httptest.NewServer(docserver.NewServer(docserver.ServerConfig{}))
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "remote:\n  dsn: "+ts.URL+"/saves\n")
	imageA := filepath.Join(dir, "a.mpk")
	imageB := filepath.Join(dir, "b.mpk")
	mustRun(t, "--config", cfgPath, "format", imageA)
	mustRun(t, "--config", cfgPath, "format", imageB)

	noteDir := filepath.Join(dir, "notes")
	require.NoError(t, os.Mkdir(noteDir, 0o755))
	mustRun(t, "--config", cfgPath, "--image", imageA, "import", writeNoteFile(t, noteDir, castlevaniaSlot(t, 2)))
	mustRun(t, "--config", cfgPath, "--image", imageB, "import", writeNoteFile(t, noteDir, castlevaniaSlot(t, 8)))

	mustRun(t, "--config", cfgPath, "--image", imageA, "sync")
	out := mustRun(t, "--config", cfgPath, "--image", imageB, "sync")
	assert.Contains(t, out, "1 unresolved conflict(s)")

	out = mustRun(t, "--config", cfgPath, "--image", imageA, "sync", "--policy", "progress")
	assert.Contains(t, out, "0 unresolved conflict(s)")
	out = mustRun(t, "--config", cfgPath, "--image", imageB, "sync", "--policy", "progress")
	assert.Contains(t, out, "0 unresolved conflict(s)")
	assert.Equal(t, uint32(8), inspectJSON(t, cfgPath, imageB)[0].TimesSaved)
}

func TestBackupCommand(t *testing.T) {
	dir := t.TempDir()
	archiveDir := filepath.Join(dir, "archive")
	require.NoError(t, os.Mkdir(archiveDir, 0o755))
	cfgPath := writeConfig(t, dir, "archive:\n  keep: 2\n")
	image := filepath.Join(dir, "pak.mpk")
	mustRun(t, "--config", cfgPath, "format", image)

	_, err := runCommand(t, "--config", cfgPath, "--image", image, "backup")
	assert.ErrorIs(t, err, errNoArchive)

	for i := 0; i < 3; i++ {
		out := mustRun(t, "--config", cfgPath, "--image", image, "backup", "--archive", archiveDir)
		assert.Contains(t, out, "backed up "+image)
	}
	out := mustRun(t, "--config", cfgPath, "--image", image, "backup", "list", "--archive", archiveDir)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3, out)
	assert.Contains(t, lines[1], "pak.mpk.")
}

func TestImageSavesGoThroughArchive(t *testing.T) {
	dir := t.TempDir()
	archiveDir := filepath.Join(dir, "archive")
	require.NoError(t, os.Mkdir(archiveDir, 0o755))
	cfgPath := writeConfig(t, dir, "archive:\n  dsn: "+archiveDir+"\n")
	image := filepath.Join(dir, "pak.mpk")
	mustRun(t, "--config", cfgPath, "format", image)
	mustRun(t, "--config", cfgPath, "--image", image, "import", writeNoteFile(t, dir, castlevaniaSlot(t, 1)))

	entries, err := os.ReadDir(archiveDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPasswordPrompt(t *testing.T) {
	var prompts []string
	a := &app{
		cfg: config.Default(),
		readPassword: func(prompt string) (string, error) {
			prompts = append(prompts, prompt)
			return "vampire-killer", nil
		},
	}

	got, err := a.password("remote", "", "")
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = a.password("remote", "belmont", "given")
	require.NoError(t, err)
	assert.Equal(t, "given", got)
	assert.Empty(t, prompts)

	got, err = a.password("remote", "belmont", "")
	require.NoError(t, err)
	assert.Equal(t, "vampire-killer", got)
	assert.Equal(t, []string{"remote password for belmont: "}, prompts)

	a.readPassword = func(string) (string, error) { return "", errors.New("no tty") }
	_, err = a.password("server", "belmont", "")
	assert.ErrorContains(t, err, "no tty")
}

func TestNewDocServerMountsDatabases(t *testing.T) {
	a := &app{cfg: config.Default(), logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	a.cfg.Server.Databases = []string{"saves", "", "archive"}
	server, err := newDocServer(a)
	require.NoError(t, err)
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)

	for _, db := range []string{"saves", "archive"} {
		resp, err := ts.Client().Get(ts.URL + "/" + db)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, 200, resp.StatusCode, db)
	}
}

func TestEditCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "")
	image := filepath.Join(dir, "pak.mpk")
	mustRun(t, "--config", cfgPath, "format", image)
	mustRun(t, "--config", cfgPath, "--image", image, "import", writeNoteFile(t, dir, castlevaniaSlot(t, 3)))

	out := mustRun(t, "--config", cfgPath, "--image", image, "edit", "0", "--set", "times-saved=40", "--set", "gold=7000", "--set", "item:2=5")
	assert.Contains(t, out, "edited slot 0")
	assert.Contains(t, out, "times-saved=40 gold=7000 item:2=5")

	infos := inspectJSON(t, cfgPath, image)
	require.Len(t, infos, 1)
	assert.Equal(t, uint32(40), infos[0].TimesSaved)
	require.NotNil(t, infos[0].ChecksumOK)
	assert.True(t, *infos[0].ChecksumOK)

	_, err := runCommand(t, "--config", cfgPath, "--image", image, "edit", "0", "--set", "luck=1")
	assert.ErrorIs(t, err, savedata.ErrUnknownField)
	_, err = runCommand(t, "--config", cfgPath, "--image", image, "edit", "0", "--file", "4", "--set", "life=1")
	assert.ErrorIs(t, err, savedata.ErrNoSuchSaveFile)
	_, err = runCommand(t, "--config", cfgPath, "--image", image, "edit", "0")
	assert.ErrorContains(t, err, "--set")
}

func TestInspectShowsCopyKeys(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "")
	image := filepath.Join(dir, "pak.mpk")
	mustRun(t, "--config", cfgPath, "format", image)
	note := writeNoteFile(t, dir, castlevaniaSlot(t, 3))
	mustRun(t, "--config", cfgPath, "--image", image, "import", note)
	mustRun(t, "--config", cfgPath, "--image", image, "import", note)

	infos := inspectJSON(t, cfgPath, image)
	require.Len(t, infos, 2)
	key := castlevaniaSlot(t, 3).Key()
	assert.Equal(t, key, infos[0].Key)
	assert.Equal(t, key+"~2", infos[1].Key)
}
