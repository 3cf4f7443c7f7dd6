package store

import (
	"context"
	"database/sql"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const userColumns = `id, sub, email, first_name, last_name, user_type, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	var firstName, lastName sql.NullString
	err := row.Scan(&user.ID, &user.Sub, &user.Email, &firstName, &lastName, &user.UserType, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	user.FirstName = nullStringPtr(firstName)
	user.LastName = nullStringPtr(lastName)
	return user, nil
}

// GetUserBySub returns sql.ErrNoRows when the identity has no user yet.
func (s *PostgresStore) GetUserBySub(ctx context.Context, sub string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE sub=$1`, sub))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

// InsertUser creates the user; a concurrent insert for the same sub returns
// the existing row instead of failing.
func (s *PostgresStore) InsertUser(ctx context.Context, user User) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, sub, email, first_name, last_name, user_type)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sub) DO UPDATE SET sub = EXCLUDED.sub
		RETURNING `+userColumns,
		user.ID, user.Sub, user.Email, nullString(user.FirstName), nullString(user.LastName), user.UserType,
	)
	created, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return created, nil
}

const profileColumns = `id, user_id, grade_level, language, gender, created_at, updated_at`

func scanProfile(row interface{ Scan(...any) error }) (StudentProfile, error) {
	var p StudentProfile
	err := row.Scan(&p.ID, &p.UserID, &p.GradeLevel, &p.Language, &p.Gender, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// GetStudentProfile returns sql.ErrNoRows when the user has no profile.
func (s *PostgresStore) GetStudentProfile(ctx context.Context, userID string) (StudentProfile, error) {
	return scanProfile(s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM student_profile WHERE user_id=$1`, userID))
}

func (s *PostgresStore) InsertStudentProfile(ctx context.Context, profile StudentProfile) (StudentProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO student_profile (id, user_id, grade_level, language, gender)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+profileColumns,
		profile.ID, profile.UserID, profile.GradeLevel, profile.Language, profile.Gender,
	)
	created, err := scanProfile(row)
	if err != nil {
		return StudentProfile{}, fmt.Errorf("insert student profile: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) UpdateStudentProfile(ctx context.Context, profile StudentProfile) (StudentProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE student_profile
		SET grade_level=$2, language=$3, gender=$4, updated_at=NOW()
		WHERE user_id=$1
		RETURNING `+profileColumns,
		profile.UserID, profile.GradeLevel, profile.Language, profile.Gender,
	)
	updated, err := scanProfile(row)
	if err != nil {
		return StudentProfile{}, fmt.Errorf("update student profile: %w", err)
	}
	return updated, nil
}

const spaceColumns = `id, user_id, title, mindmap, created_at, updated_at`

func scanSpace(row interface{ Scan(...any) error }) (LearningSpace, error) {
	var space LearningSpace
	var mindmap sql.NullString
	err := row.Scan(&space.ID, &space.UserID, &space.Title, &mindmap, &space.CreatedAt, &space.UpdatedAt)
	if err != nil {
		return LearningSpace{}, err
	}
	space.Mindmap = nullStringPtr(mindmap)
	return space, nil
}

func (s *PostgresStore) GetLearningSpace(ctx context.Context, spaceID string) (LearningSpace, error) {
	return scanSpace(s.db.QueryRowContext(ctx, `SELECT `+spaceColumns+` FROM learning_space WHERE id=$1`, spaceID))
}

func (s *PostgresStore) ListLearningSpaces(ctx context.Context, userID string) ([]LearningSpace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+spaceColumns+`
		FROM learning_space
		WHERE user_id=$1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list learning spaces: %w", err)
	}
	defer rows.Close()

	items := make([]LearningSpace, 0)
	for rows.Next() {
		item, err := scanSpace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan learning space: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate learning spaces: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertLearningSpace(ctx context.Context, space LearningSpace) (LearningSpace, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO learning_space (id, user_id, title, mindmap)
		VALUES ($1, $2, $3, $4)
		RETURNING `+spaceColumns,
		space.ID, space.UserID, space.Title, nullString(space.Mindmap),
	)
	created, err := scanSpace(row)
	if err != nil {
		return LearningSpace{}, fmt.Errorf("insert learning space: %w", err)
	}
	return created, nil
}

// SetLearningSpaceMindmap records the artifact URL. It returns sql.ErrNoRows
// for an unknown space.
func (s *PostgresStore) SetLearningSpaceMindmap(ctx context.Context, spaceID, url string) (LearningSpace, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE learning_space
		SET mindmap=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING `+spaceColumns,
		spaceID, url,
	)
	return scanSpace(row)
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}
