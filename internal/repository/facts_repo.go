package repository

import (
	"database/sql"
	"errors"
	"time"

	"github.com/QingMing-Bot/netpilot/internal/domain"
)

var ErrNotFound = errors.New("not found")

// FactsRepo 保存巡检得到的最新设备信息，每台设备一行。
type FactsRepo struct {
	db *sql.DB
}

func NewFactsRepo(db *sql.DB) *FactsRepo { return &FactsRepo{db: db} }

func (r *FactsRepo) EnsureSchema() error {
	_, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS device_facts(
        device TEXT PRIMARY KEY,
        host TEXT,
        model TEXT,
        sfp_count INTEGER,
        updated_at TIMESTAMP
    )`)
	return err
}

// Upsert 按设备名插入或覆盖
func (r *FactsRepo) Upsert(f domain.DeviceFacts) error {
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = time.Now()
	}
	_, err := r.db.Exec(`INSERT INTO device_facts(device,host,model,sfp_count,updated_at) VALUES (?,?,?,?,?)
        ON CONFLICT(device) DO UPDATE SET host=excluded.host, model=excluded.model, sfp_count=excluded.sfp_count, updated_at=excluded.updated_at`,
		f.Device, f.Host, f.Model, f.SFPCount, f.UpdatedAt)
	return err
}

func (r *FactsRepo) Get(device string) (domain.DeviceFacts, error) {
	var f domain.DeviceFacts
	err := r.db.QueryRow(`SELECT device,COALESCE(host,''),COALESCE(model,''),COALESCE(sfp_count,0),updated_at FROM device_facts WHERE device = ?`, device).
		Scan(&f.Device, &f.Host, &f.Model, &f.SFPCount, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return f, ErrNotFound
	}
	return f, err
}

func (r *FactsRepo) ListAll() ([]domain.DeviceFacts, error) {
	rows, err := r.db.Query(`SELECT device,COALESCE(host,''),COALESCE(model,''),COALESCE(sfp_count,0),updated_at FROM device_facts ORDER BY device`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []domain.DeviceFacts
	for rows.Next() {
		var f domain.DeviceFacts
		if err := rows.Scan(&f.Device, &f.Host, &f.Model, &f.SFPCount, &f.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, f)
	}
	return list, rows.Err()
}
