package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fleet-patch/internal/model"
	"fleet-patch/internal/pkg/config"
	"fleet-patch/internal/store"
	"fleet-patch/pkg/constants"
)

func TestRegistryResolveSynonyms(t *testing.T) {
	reg := defaultRegistry()

	header := []string{"Hostname", "Group", "OS", "Env", "SSH User", "Q1 Patch Date", "q1_approval", "Rack Position"}
	resolved, unknown := reg.Resolve(header)

	assert.Equal(t, 0, resolved["server_name"])
	assert.Equal(t, 1, resolved["host_group"])
	assert.Equal(t, 2, resolved["operating_system"])
	assert.Equal(t, 3, resolved["environment"])
	assert.Equal(t, 4, resolved["remote_user"])
	assert.Equal(t, 5, resolved["q1_patch_date"])
	assert.Equal(t, 6, resolved["q1_approval_status"])
	assert.Equal(t, []string{"Rack Position"}, unknown)
}

func TestRegistryResolveCanonicalNames(t *testing.T) {
	reg := defaultRegistry()

	// 规范名本身与大小写/分隔变体都可识别
	resolved, unknown := reg.Resolve([]string{"server_name", "Q3 Patch Time", "CRITICAL_SERVICES"})
	assert.Empty(t, unknown)
	assert.Contains(t, resolved, "server_name")
	assert.Contains(t, resolved, "q3_patch_time")
	assert.Contains(t, resolved, "critical_services")
}

func TestRegistryDuplicateColumnsFirstWins(t *testing.T) {
	reg := defaultRegistry()
	resolved, _ := reg.Resolve([]string{"Hostname", "server", "fqdn"})
	assert.Equal(t, 0, resolved["server_name"])
}

func TestLoadRegistryFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fields.yaml")
	content := `version: 2
fields:
  server_name: [node, box]
  operating_system: [flavor]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Version)

	resolved, _ := reg.Resolve([]string{"Box", "Flavor"})
	assert.Equal(t, 0, resolved["server_name"])
	assert.Equal(t, 1, resolved["operating_system"])
}

func TestLoadRegistryEmptyPathUsesDefault(t *testing.T) {
	reg, err := LoadRegistry("")
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Version)
	assert.NotEmpty(t, reg.Fields)
}

func newTestImporter(t *testing.T) (*Importer, *store.InventoryStore) {
	t.Helper()

	st, err := store.NewInventoryStore(&config.StoreConfig{
		DataDir:      t.TempDir(),
		ServerFile:   "servers.csv",
		HistoryFile:  "patch_history.csv",
		PrecheckFile: "precheck_history.csv",
		RollbackFile: "rollback_history.csv",
		ApprovalFile: "approval_history.csv",
	}, zap.NewNop())
	require.NoError(t, err)

	return NewImporter(st, defaultRegistry(), zap.NewNop()), st
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inventory.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestImportFileNormalizesAndValidates(t *testing.T) {
	importer, st := newTestImporter(t)

	path := writeCSV(t, "Hostname,Group,OS,SSH User,Q3 Patch Date,Q3 Approval Status,Services\n"+
		"web01,web,Ubuntu,patchops,2026-08-20,approved,nginx;crond\n"+
		"db01,database,centos,patchops,2026-08-21,,mysqld\n"+
		"bad01,web,windows,patchops,,,\n"+
		",web,ubuntu,patchops,,,\n")

	result, err := importer.ImportFile(path)
	require.NoError(t, err)

	assert.Equal(t, 4, result.Total)
	assert.Equal(t, 2, result.Imported)
	assert.Equal(t, 2, result.Skipped) // 不支持的OS + 缺server_name
	require.Len(t, result.Errors, 2)

	servers, err := st.ReadAll(nil)
	require.NoError(t, err)
	require.Len(t, servers, 2)

	web := servers[0]
	assert.Equal(t, "web01", web.ServerName)
	assert.Equal(t, "ubuntu", web.OperatingSystem) // 大小写归一
	assert.Equal(t, []string{"nginx", "crond"}, web.CriticalServices)
	assert.Equal(t, constants.ActiveStatusActive, web.ActiveStatus) // 缺省启用
	assert.Equal(t, "synced", web.SyncStatus)
	assert.NotEmpty(t, web.LastSyncDate)
	assert.Equal(t, constants.ApprovalStatusApproved, web.Quarter("Q3").ApprovalStatus)

	// 审批列为空时补pending
	assert.Equal(t, constants.ApprovalStatusPending, servers[1].Quarter("Q3").ApprovalStatus)
}

func TestImportFileMergePreservesRuntimeState(t *testing.T) {
	importer, st := newTestImporter(t)

	existing := model.ServerRecord{
		ServerName:           "web01",
		HostGroup:            "old-group",
		OperatingSystem:      "ubuntu",
		RemoteUser:           "patchops",
		CurrentQuarterStatus: constants.QuarterStatusCompleted,
		ActiveStatus:         constants.ActiveStatusActive,
	}
	require.NoError(t, st.WriteAll([]model.ServerRecord{existing}))

	path := writeCSV(t, "Hostname,Group,OS,SSH User\nweb01,new-group,ubuntu,patchops\n")
	result, err := importer.ImportFile(path)
	require.NoError(t, err)

	assert.Equal(t, 0, result.Imported)
	assert.Equal(t, 1, result.Updated)

	rec, err := st.GetServer("web01")
	require.NoError(t, err)
	assert.Equal(t, "new-group", rec.HostGroup)
	// 导入行未携带运行时状态, 保留原值
	assert.Equal(t, constants.QuarterStatusCompleted, rec.CurrentQuarterStatus)
}

func TestImportFileDuplicateRows(t *testing.T) {
	importer, _ := newTestImporter(t)

	path := writeCSV(t, "Hostname,OS,SSH User\nweb01,ubuntu,patchops\nweb01,debian,patchops\n")
	result, err := importer.ImportFile(path)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Imported)
	assert.Equal(t, 1, result.Skipped)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Reason, "重复")
}

func TestImportFileMissingServerNameColumn(t *testing.T) {
	importer, _ := newTestImporter(t)

	path := writeCSV(t, "Group,OS\nweb,ubuntu\n")
	_, err := importer.ImportFile(path)
	assert.Error(t, err)
}
