package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jward/sapling/internal/symbol"
)

// SaveSnapshot replaces the stored symbols for snap.Path in one transaction.
func (s *Store) SaveSnapshot(snap Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM files WHERE path = ?", snap.Path); err != nil {
		return fmt.Errorf("delete previous snapshot: %w", err)
	}
	res, err := tx.Exec(
		"INSERT INTO files (path, language, hash, symbol_count, last_indexed) VALUES (?, ?, ?, ?, ?)",
		snap.Path, snap.Language, snap.Hash, len(snap.Symbols), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	fileID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO symbols
		(file_id, ordinal, name, kind, start_byte, end_byte, sel_start_byte, sel_end_byte, parent_ordinal)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare symbol insert: %w", err)
	}
	defer stmt.Close()
	for i, sym := range snap.Symbols {
		if _, err := stmt.Exec(fileID, i, sym.Name, string(sym.Kind),
			sym.Range.Start, sym.Range.End,
			sym.SelectionRange.Start, sym.SelectionRange.End,
			sym.Parent,
		); err != nil {
			return fmt.Errorf("insert symbol %q: %w", sym.Name, err)
		}
	}
	return tx.Commit()
}

// LoadSnapshot returns the stored symbols for path if they were saved under
// hash. The boolean is false when there is no snapshot or it is outdated.
func (s *Store) LoadSnapshot(path, hash string) ([]symbol.Symbol, bool, error) {
	f, err := s.FileByPath(path)
	if err != nil {
		return nil, false, err
	}
	if f == nil || f.Hash != hash {
		return nil, false, nil
	}

	rows, err := s.db.Query(`SELECT ordinal, name, kind, start_byte, end_byte, sel_start_byte, sel_end_byte, parent_ordinal
		FROM symbols WHERE file_id = ? ORDER BY ordinal`, f.ID)
	if err != nil {
		return nil, false, fmt.Errorf("query symbols: %w", err)
	}
	defer rows.Close()

	syms := make([]symbol.Symbol, 0, f.SymbolCount)
	for rows.Next() {
		var (
			sym  symbol.Symbol
			kind string
		)
		if err := rows.Scan(&sym.ID, &sym.Name, &kind,
			&sym.Range.Start, &sym.Range.End,
			&sym.SelectionRange.Start, &sym.SelectionRange.End,
			&sym.Parent,
		); err != nil {
			return nil, false, fmt.Errorf("scan symbol: %w", err)
		}
		sym.Kind = symbol.Kind(kind)
		syms = append(syms, sym)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate symbols: %w", err)
	}
	if len(syms) != f.SymbolCount {
		return nil, false, nil
	}
	return syms, true, nil
}

// FileByPath returns the file row for path, or nil if none exists.
func (s *Store) FileByPath(path string) (*File, error) {
	f := &File{}
	var indexed sql.NullTime
	err := s.db.QueryRow(
		"SELECT id, path, language, hash, symbol_count, last_indexed FROM files WHERE path = ?", path,
	).Scan(&f.ID, &f.Path, &f.Language, &f.Hash, &f.SymbolCount, &indexed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file by path: %w", err)
	}
	f.LastIndexed = indexed.Time
	return f, nil
}

// Files lists every stored file ordered by path.
func (s *Store) Files() ([]*File, error) {
	rows, err := s.db.Query("SELECT id, path, language, hash, symbol_count, last_indexed FROM files ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()
	var out []*File
	for rows.Next() {
		f := &File{}
		var indexed sql.NullTime
		if err := rows.Scan(&f.ID, &f.Path, &f.Language, &f.Hash, &f.SymbolCount, &indexed); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		f.LastIndexed = indexed.Time
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteFile removes the snapshot for path. Missing paths are not an error.
func (s *Store) DeleteFile(path string) error {
	if _, err := s.db.Exec("DELETE FROM files WHERE path = ?", path); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// SymbolsByName finds stored symbols with the given exact name across all
// files, returning the owning path alongside each.
func (s *Store) SymbolsByName(name string) ([]NamedSymbol, error) {
	rows, err := s.db.Query(`SELECT f.path, s.ordinal, s.name, s.kind, s.start_byte, s.end_byte, s.sel_start_byte, s.sel_end_byte, s.parent_ordinal
		FROM symbols s JOIN files f ON f.id = s.file_id
		WHERE s.name = ? ORDER BY f.path, s.ordinal`, name)
	if err != nil {
		return nil, fmt.Errorf("query symbols by name: %w", err)
	}
	defer rows.Close()
	var out []NamedSymbol
	for rows.Next() {
		var (
			ns   NamedSymbol
			kind string
		)
		if err := rows.Scan(&ns.Path, &ns.Symbol.ID, &ns.Symbol.Name, &kind,
			&ns.Symbol.Range.Start, &ns.Symbol.Range.End,
			&ns.Symbol.SelectionRange.Start, &ns.Symbol.SelectionRange.End,
			&ns.Symbol.Parent,
		); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		ns.Symbol.Kind = symbol.Kind(kind)
		out = append(out, ns)
	}
	return out, rows.Err()
}
