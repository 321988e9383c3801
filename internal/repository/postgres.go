// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/nasos1212/woofyapp-sub000/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrMembershipNotFound возвращается, если карта участника не найдена в каталоге.
var (
	ErrMembershipNotFound = errors.New("membership not found")
	// ErrBusinessNotFound возвращается, если заведение не найдено.
	ErrBusinessNotFound = errors.New("business not found")
	// ErrOfferNotFound возвращается, если предложение не найдено.
	ErrOfferNotFound = errors.New("offer not found")
	// ErrAlreadyRedeemed возвращается при конфликте уникальности в журнале погашений.
	ErrAlreadyRedeemed = errors.New("offer already redeemed in current period")
	// ErrGrantNotFound возвращается, если именинный купон не существует.
	ErrGrantNotFound = errors.New("birthday grant not found")
	// ErrGrantRedeemed возвращается при повторной попытке погасить именинный купон.
	ErrGrantRedeemed = errors.New("birthday grant already redeemed")
	// ErrGrantWrongBusiness возвращается, если купон закреплён за другим заведением.
	ErrGrantWrongBusiness = errors.New("birthday grant belongs to another business")
	// ErrGrantExpired возвращается, если срок действия купона истёк.
	ErrGrantExpired = errors.New("birthday grant expired")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраим только временные сбои: Serialization Failure, Deadlock, сеть.
		// Бизнес-отказы (уникальность и т.п.) повторять нельзя.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping проверяет доступность БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// GetBusiness возвращает заведение по идентификатору.
func (r *PostgresRepository) GetBusiness(ctx context.Context, id int64) (*model.Business, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM businesses WHERE id = $1`,
		id,
	)

	var b model.Business
	err := row.Scan(&b.ID, &b.Name, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBusinessNotFound
		}
		return nil, fmt.Errorf("get business: %w", err)
	}

	return &b, nil
}

// GetMembershipByCode возвращает членство по нормализованному номеру карты вместе со списком питомцев.
func (r *PostgresRepository) GetMembershipByCode(ctx context.Context, code string) (*model.Membership, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, code, owner_name, is_active, expires_at, max_pets
		 FROM memberships
		 WHERE code = $1`,
		code,
	)

	var m model.Membership
	err := row.Scan(&m.ID, &m.Code, &m.OwnerName, &m.IsActive, &m.ExpiresAt, &m.MaxPets)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMembershipNotFound
		}
		return nil, fmt.Errorf("get membership: %w", err)
	}

	pets, err := r.getPets(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	m.Pets = pets

	return &m, nil
}

// GetMembershipByID возвращает членство по внутреннему идентификатору вместе со списком питомцев.
func (r *PostgresRepository) GetMembershipByID(ctx context.Context, id int64) (*model.Membership, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, code, owner_name, is_active, expires_at, max_pets
		 FROM memberships
		 WHERE id = $1`,
		id,
	)

	var m model.Membership
	err := row.Scan(&m.ID, &m.Code, &m.OwnerName, &m.IsActive, &m.ExpiresAt, &m.MaxPets)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMembershipNotFound
		}
		return nil, fmt.Errorf("get membership: %w", err)
	}

	pets, err := r.getPets(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	m.Pets = pets

	return &m, nil
}

func (r *PostgresRepository) getPets(ctx context.Context, membershipID int64) ([]model.Pet, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, membership_id, name, species
		 FROM pets
		 WHERE membership_id = $1
		 ORDER BY id`,
		membershipID,
	)
	if err != nil {
		return nil, fmt.Errorf("select pets: %w", err)
	}
	defer rows.Close()

	var pets []model.Pet
	for rows.Next() {
		var p model.Pet
		if err := rows.Scan(&p.ID, &p.MembershipID, &p.Name, &p.Species); err != nil {
			return nil, fmt.Errorf("scan pet: %w", err)
		}
		pets = append(pets, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return pets, nil
}

func scanOffer(row pgx.Row) (*model.Offer, error) {
	var (
		o         model.Offer
		scope     string
		frequency string
		validDays []int32
	)

	err := row.Scan(&o.ID, &o.BusinessID, &o.Title, &o.Discount, &scope, &frequency,
		&o.ValidFrom, &o.ValidUntil, &o.LimitedTime, &o.LimitedLabel,
		&validDays, &o.ValidHoursStart, &o.ValidHoursEnd,
		&o.PetType, &o.MaxRedemptions, &o.IsActive)
	if err != nil {
		return nil, err
	}

	o.Scope = model.OfferScope(scope)
	o.Frequency = model.OfferFrequency(frequency)
	for _, d := range validDays {
		o.ValidDays = append(o.ValidDays, time.Weekday(d))
	}

	return &o, nil
}

const offerColumns = `id, business_id, title, discount, scope, frequency,
		 valid_from, valid_until, limited_time, limited_label,
		 valid_days, valid_hours_start, valid_hours_end,
		 pet_type, max_redemptions, is_active`

// GetOfferByID возвращает предложение по идентификатору.
func (r *PostgresRepository) GetOfferByID(ctx context.Context, id int64) (*model.Offer, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE id = $1`,
		id,
	)

	o, err := scanOffer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOfferNotFound
		}
		return nil, fmt.Errorf("get offer: %w", err)
	}

	return o, nil
}

// GetActiveOffersByBusiness возвращает активные предложения заведения для списка выбора на терминале.
func (r *PostgresRepository) GetActiveOffersByBusiness(ctx context.Context, businessID int64) ([]model.Offer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+offerColumns+`
		 FROM offers
		 WHERE business_id = $1 AND is_active
		 ORDER BY id`,
		businessID,
	)
	if err != nil {
		return nil, fmt.Errorf("select offers: %w", err)
	}
	defer rows.Close()

	var offers []model.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		offers = append(offers, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return offers, nil
}

// GetLockout возвращает состояние счётчика неудачных попыток для пары (заведение, идентификатор).
// Если записей нет, возвращается nil.
func (r *PostgresRepository) GetLockout(ctx context.Context, businessID int64, code string) (*model.Lockout, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT failed_count, locked_until
		 FROM verification_attempts
		 WHERE business_id = $1 AND attempted_code = $2`,
		businessID, code,
	)

	var (
		l           model.Lockout
		lockedUntil *time.Time
	)
	err := row.Scan(&l.FailedCount, &lockedUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get lockout: %w", err)
	}

	if lockedUntil != nil {
		l.ExpiresAt = *lockedUntil
	}

	return &l, nil
}

// RecordFailedAttempt атомарно увеличивает счётчик неудачных попыток и при достижении
// порога устанавливает блокировку. Счётчик начинается заново, если с последней неудачи
// прошло больше окна. Возвращает новое значение счётчика и срок блокировки, если она установлена.
func (r *PostgresRepository) RecordFailedAttempt(ctx context.Context, businessID int64, code string, threshold int, window, lockout time.Duration) (int, *time.Time, error) {
	var (
		count       int
		lockedUntil *time.Time
	)

	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`INSERT INTO verification_attempts (business_id, attempted_code, failed_count, last_failed_at)
			 VALUES ($1, $2, 1, now())
			 ON CONFLICT (business_id, attempted_code) DO UPDATE SET
			   failed_count = CASE
			     WHEN verification_attempts.last_failed_at < now() - make_interval(secs => $3) THEN 1
			     ELSE verification_attempts.failed_count + 1
			   END,
			   last_failed_at = now(),
			   locked_until = CASE
			     WHEN (CASE
			       WHEN verification_attempts.last_failed_at < now() - make_interval(secs => $3) THEN 1
			       ELSE verification_attempts.failed_count + 1
			     END) >= $4 THEN now() + make_interval(secs => $5)
			     ELSE verification_attempts.locked_until
			   END
			 RETURNING failed_count, locked_until`,
			businessID, code, window.Seconds(), threshold, lockout.Seconds(),
		).Scan(&count, &lockedUntil)
	})
	if err != nil {
		return 0, nil, fmt.Errorf("record failed attempt: %w", err)
	}

	return count, lockedUntil, nil
}

// ClearAttempts сбрасывает счётчик неудачных попыток после успешной проверки.
func (r *PostgresRepository) ClearAttempts(ctx context.Context, businessID int64, code string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM verification_attempts WHERE business_id = $1 AND attempted_code = $2`,
		businessID, code,
	)
	if err != nil {
		return fmt.Errorf("clear attempts: %w", err)
	}
	return nil
}

// CountRedemptionsByOffer возвращает общее число погашений предложения для проверки глобального лимита.
func (r *PostgresRepository) CountRedemptionsByOffer(ctx context.Context, offerID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM redemptions WHERE offer_id = $1`,
		offerID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count redemptions: %w", err)
	}
	return count, nil
}

// GetOfferRedemptions возвращает погашения предложения данным членством начиная с указанного момента.
// Нулевое значение since означает всю историю.
func (r *PostgresRepository) GetOfferRedemptions(ctx context.Context, offerID, membershipID int64, since time.Time) ([]model.Redemption, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, offer_id, membership_id, business_id, pet_id, member_name, member_code, pet_name, discount, redeemed_at
		 FROM redemptions
		 WHERE offer_id = $1 AND membership_id = $2 AND redeemed_at >= $3
		 ORDER BY redeemed_at DESC`,
		offerID, membershipID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("select redemptions: %w", err)
	}
	defer rows.Close()

	var res []model.Redemption
	for rows.Next() {
		var rd model.Redemption
		if err := rows.Scan(&rd.ID, &rd.OfferID, &rd.MembershipID, &rd.BusinessID, &rd.PetID,
			&rd.MemberName, &rd.MemberCode, &rd.PetName, &rd.Discount, &rd.RedeemedAt); err != nil {
			return nil, fmt.Errorf("scan redemption: %w", err)
		}
		res = append(res, rd)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateRedemption записывает факт погашения. Единственность в пределах периода
// обеспечивается уникальным индексом (offer_id, membership_id, pet_key, period_key):
// при конфликте вставка не происходит и возвращается ErrAlreadyRedeemed.
// Это закрывает гонку двух одновременных подтверждений на разных терминалах.
func (r *PostgresRepository) CreateRedemption(ctx context.Context, rd *model.Redemption, periodKey string, petKey int64) (*model.Redemption, error) {
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`INSERT INTO redemptions
			   (offer_id, membership_id, business_id, pet_id, pet_key, period_key,
			    member_name, member_code, pet_name, discount)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (offer_id, membership_id, pet_key, period_key) DO NOTHING
			 RETURNING id, redeemed_at`,
			rd.OfferID, rd.MembershipID, rd.BusinessID, rd.PetID, petKey, periodKey,
			rd.MemberName, rd.MemberCode, rd.PetName, rd.Discount,
		).Scan(&rd.ID, &rd.RedeemedAt)
	})
	if err != nil {
		// ON CONFLICT DO NOTHING не возвращает строку при конфликте
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAlreadyRedeemed
		}
		return nil, fmt.Errorf("create redemption: %w", err)
	}

	return rd, nil
}

// GetPendingBirthdayOffers возвращает непогашенные именинные купоны членства,
// доступные указанному заведению в данный момент.
func (r *PostgresRepository) GetPendingBirthdayOffers(ctx context.Context, membershipID, businessID int64, now time.Time) ([]model.BirthdayOffer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT b.id, b.membership_id, b.pet_id, p.name, b.business_id,
		        b.discount_value, b.discount_type, b.message, b.sent_at, b.expires_at
		 FROM birthday_offers b
		 JOIN pets p ON p.id = b.pet_id
		 WHERE b.membership_id = $1
		   AND b.redeemed_at IS NULL
		   AND b.expires_at > $2
		   AND (b.business_id IS NULL OR b.business_id = $3)
		 ORDER BY b.sent_at`,
		membershipID, now, businessID,
	)
	if err != nil {
		return nil, fmt.Errorf("select birthday offers: %w", err)
	}
	defer rows.Close()

	var res []model.BirthdayOffer
	for rows.Next() {
		var b model.BirthdayOffer
		if err := rows.Scan(&b.ID, &b.MembershipID, &b.PetID, &b.PetName, &b.BusinessID,
			&b.DiscountValue, &b.DiscountType, &b.Message, &b.SentAt, &b.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan birthday offer: %w", err)
		}
		res = append(res, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// RedeemBirthdayOffer погашает именинный купон. Условный UPDATE — единственный
// арбитр единственности: ровно один из одновременных вызовов переведёт купон
// в погашенное состояние, остальные получат ErrGrantRedeemed. В той же транзакции
// записывается строка журнала со снимком имён участника и питомца.
func (r *PostgresRepository) RedeemBirthdayOffer(ctx context.Context, grantID uuid.UUID, businessID int64, now time.Time) (*model.Redemption, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		membershipID  int64
		petID         int64
		discountValue int
		discountType  string
	)
	err = tx.QueryRow(ctx,
		`UPDATE birthday_offers
		 SET redeemed_at = $3, redeemed_by = $2
		 WHERE id = $1
		   AND redeemed_at IS NULL
		   AND expires_at > $3
		   AND (business_id IS NULL OR business_id = $2)
		 RETURNING membership_id, pet_id, discount_value, discount_type`,
		grantID, businessID, now,
	).Scan(&membershipID, &petID, &discountValue, &discountType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.classifyGrantFailure(ctx, grantID, businessID, now)
		}
		return nil, fmt.Errorf("redeem birthday offer: %w", err)
	}

	var (
		memberName string
		memberCode string
		petName    string
	)
	err = tx.QueryRow(ctx,
		`SELECT m.owner_name, m.code, p.name
		 FROM memberships m
		 JOIN pets p ON p.membership_id = m.id
		 WHERE m.id = $1 AND p.id = $2`,
		membershipID, petID,
	).Scan(&memberName, &memberCode, &petName)
	if err != nil {
		return nil, fmt.Errorf("snapshot names: %w", err)
	}

	discount := formatGrantDiscount(discountValue, discountType)

	rd := model.Redemption{
		GrantID:      &grantID,
		MembershipID: membershipID,
		BusinessID:   businessID,
		PetID:        &petID,
		MemberName:   memberName,
		MemberCode:   memberCode,
		PetName:      petName,
		Discount:     discount,
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO redemptions
		   (grant_id, membership_id, business_id, pet_id, pet_key, period_key,
		    member_name, member_code, pet_name, discount)
		 VALUES ($1, $2, $3, $4, $4, 'ever', $5, $6, $7, $8)
		 RETURNING id, redeemed_at`,
		grantID, membershipID, businessID, petID,
		memberName, memberCode, petName, discount,
	).Scan(&rd.ID, &rd.RedeemedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, ErrGrantRedeemed
		}
		return nil, fmt.Errorf("insert grant redemption: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &rd, nil
}

// classifyGrantFailure определяет причину отказа условного UPDATE для осмысленного кода ошибки.
func (r *PostgresRepository) classifyGrantFailure(ctx context.Context, grantID uuid.UUID, businessID int64, now time.Time) error {
	var (
		redeemedAt *time.Time
		expiresAt  time.Time
		bizID      *int64
	)
	err := r.pool.QueryRow(ctx,
		`SELECT redeemed_at, expires_at, business_id FROM birthday_offers WHERE id = $1`,
		grantID,
	).Scan(&redeemedAt, &expiresAt, &bizID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrGrantNotFound
		}
		return fmt.Errorf("classify grant failure: %w", err)
	}

	switch {
	case redeemedAt != nil:
		return ErrGrantRedeemed
	case !expiresAt.After(now):
		return ErrGrantExpired
	case bizID != nil && *bizID != businessID:
		return ErrGrantWrongBusiness
	default:
		return ErrGrantRedeemed
	}
}

func formatGrantDiscount(value int, discountType string) string {
	if discountType == "percent" {
		return fmt.Sprintf("%d%% off", value)
	}
	return fmt.Sprintf("$%d off", value)
}

// GetUnreportedRedemptions возвращает погашения, ещё не отправленные в бэкенд платформы.
func (r *PostgresRepository) GetUnreportedRedemptions(ctx context.Context, limit int) ([]model.Redemption, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, offer_id, grant_id, membership_id, business_id, pet_id,
		        member_name, member_code, pet_name, discount, redeemed_at
		 FROM redemptions
		 WHERE reported_at IS NULL
		 ORDER BY redeemed_at
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select unreported redemptions: %w", err)
	}
	defer rows.Close()

	var res []model.Redemption
	for rows.Next() {
		var rd model.Redemption
		if err := rows.Scan(&rd.ID, &rd.OfferID, &rd.GrantID, &rd.MembershipID, &rd.BusinessID, &rd.PetID,
			&rd.MemberName, &rd.MemberCode, &rd.PetName, &rd.Discount, &rd.RedeemedAt); err != nil {
			return nil, fmt.Errorf("scan redemption: %w", err)
		}
		res = append(res, rd)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkRedemptionReported помечает погашение как отправленное в бэкенд платформы.
func (r *PostgresRepository) MarkRedemptionReported(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE redemptions SET reported_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark redemption reported: %w", err)
	}
	return nil
}
