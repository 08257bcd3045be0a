package sqlstore

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "Treasury-Relay/internal/errors"
)

// maxFileRecords 限制文件仓库在内存中保留的提案数量。
const maxFileRecords = 512

// ProposalRecord 是一条提案日志：链上创建时写入，执行成功后更新。
type ProposalRecord struct {
	Address           string `json:"address"`
	Governor          string `json:"governor"`
	Creator           string `json:"creator"`
	ProgramID         string `json:"program_id"`
	Accounts          int    `json:"accounts"`
	Data              string `json:"data"`
	Signature         string `json:"signature"`
	Executed          bool   `json:"executed"`
	ExecutedSignature string `json:"executed_signature,omitempty"`
	CreatedAt         int64  `json:"created_at"`
	UpdatedAt         int64  `json:"updated_at"`
}

// ProposalRepository 抽象提案日志的持久化接口。
type ProposalRepository interface {
	Save(ctx context.Context, record ProposalRecord) error
	MarkExecuted(ctx context.Context, address, signature string) error
	Get(ctx context.Context, address string) (*ProposalRecord, error)
	ListLatest(ctx context.Context, limit int) ([]ProposalRecord, error)
	Close() error
}

func proposalNotFound(address string) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("proposal %s not found", address))
}

func proposalExists(address string) error {
	return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("proposal %s already recorded", address))
}

// FileProposalRepository 以 JSON 行追加写的方式记录提案，适合单机部署与开发。
// 同一地址的后写记录覆盖先写记录。
type FileProposalRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  map[string]ProposalRecord
}

// NewFileProposalRepository 在 dataDir 下打开或创建 proposals.log。
func NewFileProposalRepository(dataDir string) (*FileProposalRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &FileProposalRepository{
		dataFile: filepath.Join(dataDir, "proposals.log"),
		records:  make(map[string]ProposalRecord),
	}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 追加一条新提案。
func (m *FileProposalRepository) Save(_ context.Context, record ProposalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[record.Address]; ok {
		return proposalExists(record.Address)
	}
	now := time.Now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = record.CreatedAt
	return m.appendLocked(record)
}

// MarkExecuted 记录执行签名。
func (m *FileProposalRepository) MarkExecuted(_ context.Context, address, signature string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[address]
	if !ok {
		return proposalNotFound(address)
	}
	record.Executed = true
	record.ExecutedSignature = signature
	record.UpdatedAt = time.Now().Unix()
	return m.appendLocked(record)
}

// Get 按地址查询提案。
func (m *FileProposalRepository) Get(_ context.Context, address string) (*ProposalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[address]
	if !ok {
		return nil, proposalNotFound(address)
	}
	return &record, nil
}

// ListLatest 返回最近创建的提案，按创建时间倒序排列。
func (m *FileProposalRepository) ListLatest(_ context.Context, limit int) ([]ProposalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return latest(m.records, limit), nil
}

// Close 无需释放资源。
func (m *FileProposalRepository) Close() error { return nil }

func (m *FileProposalRepository) appendLocked(record ProposalRecord) error {
	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开提案日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化提案记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入提案日志失败: %w", err)
	}
	m.records[record.Address] = record
	m.trimLocked()
	return nil
}

func (m *FileProposalRepository) trimLocked() {
	if len(m.records) <= maxFileRecords {
		return
	}
	for _, stale := range latest(m.records, 0)[maxFileRecords:] {
		delete(m.records, stale.Address)
	}
}

func (m *FileProposalRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取提案日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record ProposalRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil || record.Address == "" {
			continue
		}
		m.records[record.Address] = record
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析提案日志失败: %w", err)
	}
	m.trimLocked()
	return nil
}

func latest(records map[string]ProposalRecord, limit int) []ProposalRecord {
	out := make([]ProposalRecord, 0, len(records))
	for _, r := range records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].Address < out[j].Address
		}
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// SQLProposalRepository 使用 MySQL 或 SQLite 存储提案日志。
type SQLProposalRepository struct {
	db    *sql.DB
	owned bool
}

// NewSQLProposalRepository 打开数据库并执行迁移。
func NewSQLProposalRepository(ctx context.Context, cfg Config) (*SQLProposalRepository, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &SQLProposalRepository{db: db, owned: true}, nil
}

// NewSQLProposalRepositoryFromDB 复用已迁移的连接池，Close 不会关闭它。
func NewSQLProposalRepositoryFromDB(db *sql.DB) *SQLProposalRepository {
	return &SQLProposalRepository{db: db}
}

// Save 写入一条提案。
func (s *SQLProposalRepository) Save(ctx context.Context, record ProposalRecord) error {
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}
	const stmt = `INSERT INTO proposals
        (address, governor, creator, program_id, accounts, data, signature, executed, executed_signature, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		record.Address,
		record.Governor,
		record.Creator,
		record.ProgramID,
		record.Accounts,
		record.Data,
		record.Signature,
		record.Executed,
		record.ExecutedSignature,
		record.CreatedAt,
		record.CreatedAt,
	)
	if err != nil {
		if IsDuplicate(err) {
			return proposalExists(record.Address)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入提案记录失败")
	}
	return nil
}

// MarkExecuted 记录执行签名。
func (s *SQLProposalRepository) MarkExecuted(ctx context.Context, address, signature string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE proposals SET executed = ?, executed_signature = ?, updated_at = ? WHERE address = ?`,
		true, signature, time.Now().Unix(), address)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新提案记录失败")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return proposalNotFound(address)
	}
	return nil
}

// Get 按地址查询提案。
func (s *SQLProposalRepository) Get(ctx context.Context, address string) (*ProposalRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT address, governor, creator, program_id, accounts, data, signature, executed, executed_signature, created_at, updated_at
        FROM proposals WHERE address = ?`, address)
	record, err := scanProposal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, proposalNotFound(address)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询提案记录失败")
	}
	return &record, nil
}

// ListLatest 返回最近创建的提案，按创建时间倒序排列。
func (s *SQLProposalRepository) ListLatest(ctx context.Context, limit int) ([]ProposalRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT address, governor, creator, program_id, accounts, data, signature, executed, executed_signature, created_at, updated_at
        FROM proposals ORDER BY created_at DESC, address ASC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询提案列表失败")
	}
	defer rows.Close()

	var out []ProposalRecord
	for rows.Next() {
		record, err := scanProposal(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析提案记录失败")
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历提案记录失败")
	}
	return out, nil
}

// Close 关闭自行打开的连接池。
func (s *SQLProposalRepository) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (ProposalRecord, error) {
	var r ProposalRecord
	err := row.Scan(&r.Address, &r.Governor, &r.Creator, &r.ProgramID, &r.Accounts, &r.Data,
		&r.Signature, &r.Executed, &r.ExecutedSignature, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// OpenProposalRepository 根据驱动选择文件仓库或 SQL 仓库。driver 为空或
// "file" 时使用 dataDir 下的日志文件。
func OpenProposalRepository(ctx context.Context, cfg Config, dataDir string) (ProposalRepository, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return NewFileProposalRepository(dataDir)
	default:
		return NewSQLProposalRepository(ctx, cfg)
	}
}
