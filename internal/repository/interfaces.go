package repository

import "github.com/QingMing-Bot/netpilot/internal/domain"

// HistoryRepoIface 抽象历史仓库。
type HistoryRepoIface interface {
	Insert(*domain.TaskHistory) error
	ListRecent(int) ([]domain.TaskHistory, error)
	ListFiltered(int, string, string) ([]domain.TaskHistory, error)
	ListRun(string) ([]domain.TaskHistory, error)
	Cleanup(int, int) error
	EnsureSchema() error
}

// FactsRepoIface 抽象设备信息仓库。
type FactsRepoIface interface {
	Upsert(domain.DeviceFacts) error
	Get(string) (domain.DeviceFacts, error)
	ListAll() ([]domain.DeviceFacts, error)
	EnsureSchema() error
}

// 编译期断言本地实现满足接口
var _ HistoryRepoIface = (*HistoryRepo)(nil)
var _ FactsRepoIface = (*FactsRepo)(nil)
