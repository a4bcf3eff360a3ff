package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"kassa.app/internal/catalog"
)

const productColumns = `id, name, description, price, currency, active, created_at, updated_at`

const tagColumns = `id, name, slug, created_at, updated_at`

func scanProduct(row rowScanner) (catalog.Product, error) {
	var p catalog.Product
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Currency, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func scanTag(row rowScanner) (catalog.Tag, error) {
	var t catalog.Tag
	err := row.Scan(&t.ID, &t.Name, &t.Slug, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (s *Store) CreateProduct(ctx context.Context, p *catalog.Product, tagIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		insert into products (id, name, description, price, currency, active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, p.ID, p.Name, p.Description, p.Price, p.Currency, p.Active, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return err
	}
	for _, tagID := range tagIDs {
		if _, err := tx.ExecContext(ctx,
			`insert into product_tags (product_id, tag_id) values ($1, $2)`, p.ID, tagID); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return catalog.ErrNotFound
			}
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetProduct(ctx context.Context, id string) (catalog.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx,
		`select `+productColumns+` from products where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Product{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.Product{}, err
	}
	products := []catalog.Product{p}
	if err := s.loadProductTags(ctx, products); err != nil {
		return catalog.Product{}, err
	}
	return products[0], nil
}

func (s *Store) ListProducts(ctx context.Context, f catalog.ProductFilter) ([]catalog.Product, int, error) {
	var (
		where []string
		args  []any
		idx   = 1
	)
	if f.TagSlug != "" {
		where = append(where, fmt.Sprintf("id in (select pt.product_id from product_tags pt join tags t on t.id = pt.tag_id where t.slug = $%d)", idx))
		args = append(args, f.TagSlug)
		idx++
	}
	if f.Active != nil {
		where = append(where, fmt.Sprintf("active = $%d", idx))
		args = append(args, *f.Active)
		idx++
	}
	if f.Search != "" {
		where = append(where, fmt.Sprintf("(name ilike $%d or description ilike $%d)", idx, idx))
		args = append(args, "%"+f.Search+"%")
		idx++
	}
	cond := ""
	if len(where) > 0 {
		cond = " where " + strings.Join(where, " and ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from products`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`select `+productColumns+` from products%s order by created_at desc limit $%d offset $%d`, cond, idx, idx+1)
	args = append(args, f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var products []catalog.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if err := s.loadProductTags(ctx, products); err != nil {
		return nil, 0, err
	}
	return products, total, nil
}

// loadProductTags fills Tags for every product in one query, sorted by
// slug so audit diffs stay stable.
func (s *Store) loadProductTags(ctx context.Context, products []catalog.Product) error {
	if len(products) == 0 {
		return nil
	}
	index := make(map[string]int, len(products))
	ph := make([]string, len(products))
	args := make([]any, len(products))
	for i := range products {
		index[products[i].ID] = i
		ph[i] = fmt.Sprintf("$%d", i+1)
		args[i] = products[i].ID
	}

	query := fmt.Sprintf(`
		select pt.product_id, t.id, t.name, t.slug, t.created_at, t.updated_at
		from product_tags pt
		join tags t on t.id = pt.tag_id
		where pt.product_id in (%s)
		order by t.slug
	`, strings.Join(ph, ", "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var productID string
		var t catalog.Tag
		if err := rows.Scan(&productID, &t.ID, &t.Name, &t.Slug, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return err
		}
		i, ok := index[productID]
		if !ok {
			continue
		}
		products[i].Tags = append(products[i].Tags, t)
	}
	return rows.Err()
}

func productUpdateClauses(upd catalog.ProductUpdate, idx int) ([]string, []any, int) {
	var sets []string
	var args []any
	if upd.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Description != nil {
		sets = append(sets, fmt.Sprintf("description = $%d", idx))
		args = append(args, *upd.Description)
		idx++
	}
	if upd.Price != nil {
		sets = append(sets, fmt.Sprintf("price = $%d", idx))
		args = append(args, *upd.Price)
		idx++
	}
	if upd.Currency != nil {
		sets = append(sets, fmt.Sprintf("currency = $%d", idx))
		args = append(args, *upd.Currency)
		idx++
	}
	if upd.Active != nil {
		sets = append(sets, fmt.Sprintf("active = $%d", idx))
		args = append(args, *upd.Active)
		idx++
	}
	return sets, args, idx
}

func (s *Store) UpdateProduct(ctx context.Context, id string, upd catalog.ProductUpdate) (catalog.Product, error) {
	sets, args, idx := productUpdateClauses(upd, 1)
	if len(sets) == 0 {
		return s.GetProduct(ctx, id)
	}
	sets = append(sets, "updated_at = now()")
	query := fmt.Sprintf(`update products set %s where id = $%d returning `+productColumns, strings.Join(sets, ", "), idx)
	args = append(args, id)

	p, err := scanProduct(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Product{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.Product{}, err
	}
	products := []catalog.Product{p}
	if err := s.loadProductTags(ctx, products); err != nil {
		return catalog.Product{}, err
	}
	return products[0], nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from products where id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func (s *Store) SetProductTags(ctx context.Context, productID string, tagIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from product_tags where product_id = $1`, productID); err != nil {
		return err
	}
	for _, tagID := range tagIDs {
		if _, err := tx.ExecContext(ctx,
			`insert into product_tags (product_id, tag_id) values ($1, $2)`, productID, tagID); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return catalog.ErrNotFound
			}
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) CreateTag(ctx context.Context, t *catalog.Tag) error {
	_, err := s.db.ExecContext(ctx, `
		insert into tags (id, name, slug, created_at, updated_at)
		values ($1, $2, $3, $4, $5)
	`, t.ID, t.Name, t.Slug, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return catalog.ErrSlugTaken
		}
		return err
	}
	return nil
}

func (s *Store) GetTag(ctx context.Context, id string) (catalog.Tag, error) {
	t, err := scanTag(s.db.QueryRowContext(ctx,
		`select `+tagColumns+` from tags where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Tag{}, catalog.ErrNotFound
	}
	return t, err
}

func (s *Store) GetTagsByIDs(ctx context.Context, tagIDs []string) ([]catalog.Tag, error) {
	if len(tagIDs) == 0 {
		return nil, nil
	}
	ph := make([]string, len(tagIDs))
	args := make([]any, len(tagIDs))
	for i, id := range tagIDs {
		ph[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`select `+tagColumns+` from tags where id in (%s) order by slug`, strings.Join(ph, ", ")), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []catalog.Tag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tags, nil
}

func (s *Store) ListTags(ctx context.Context) ([]catalog.TagWithCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		select t.id, t.name, t.slug, t.created_at, t.updated_at, count(pt.product_id)
		from tags t
		left join product_tags pt on pt.tag_id = t.id
		group by t.id
		order by t.slug
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []catalog.TagWithCount
	for rows.Next() {
		var t catalog.TagWithCount
		if err := rows.Scan(&t.ID, &t.Name, &t.Slug, &t.CreatedAt, &t.UpdatedAt, &t.ProductCount); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tags, nil
}

func (s *Store) UpdateTag(ctx context.Context, id string, upd catalog.TagUpdate) (catalog.Tag, error) {
	var sets []string
	var args []any
	idx := 1
	if upd.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Slug != nil {
		sets = append(sets, fmt.Sprintf("slug = $%d", idx))
		args = append(args, *upd.Slug)
		idx++
	}
	if len(sets) == 0 {
		return s.GetTag(ctx, id)
	}
	sets = append(sets, "updated_at = now()")
	query := fmt.Sprintf(`update tags set %s where id = $%d returning `+tagColumns, strings.Join(sets, ", "), idx)
	args = append(args, id)

	t, err := scanTag(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Tag{}, catalog.ErrNotFound
	}
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return catalog.Tag{}, catalog.ErrSlugTaken
		}
		return catalog.Tag{}, err
	}
	return t, nil
}

// DeleteTag removes the tag; product links go with it.
func (s *Store) DeleteTag(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from tags where id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func (s *Store) CountProductsWithTag(ctx context.Context, tagID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`select count(*) from product_tags where tag_id = $1`, tagID).Scan(&count)
	return count, err
}
