package settings

import (
	"context"
	"log"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"payment-orchestrator/internal/db"
	"payment-orchestrator/internal/testhelpers"
)

type PostgresStoreTestSuite struct {
	suite.Suite
	pgContainer *testhelpers.PostgresContainer
	pool        *pgxpool.Pool
	sut         *PostgresStore
	ctx         context.Context
}

func (s *PostgresStoreTestSuite) SetupSuite() {
	s.ctx = context.Background()
	pgContainer, err := testhelpers.CreatePostgresContainer(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.pgContainer = pgContainer

	if err := db.RunMigrations(pgContainer.ConnectionString); err != nil {
		log.Fatal(err)
	}

	pool, err := db.GetPool(s.ctx, pgContainer.ConnectionString)
	if err != nil {
		log.Fatal(err)
	}

	s.pool = pool
	s.sut = NewPostgresStore(pool)
}

func (s *PostgresStoreTestSuite) TearDownSuite() {
	s.pool.Close()

	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *PostgresStoreTestSuite) TestLoadSeeded() {
	t := s.T()

	loaded, err := s.sut.Load(s.ctx)
	assert.NoError(t, err)
	assert.False(t, loaded.Wechat.Configured())
	assert.False(t, loaded.Alipay.Configured())
}

func (s *PostgresStoreTestSuite) TestUpdatePreservesSecrets() {
	t := s.T()

	_, err := s.sut.Update(s.ctx, Update{Alipay: &AlipayUpdate{AppID: ptr("2021"), PrivateKey: ptr("PRIV"), PublicKey: ptr("PUB")}})
	assert.NoError(t, err)

	merged, err := s.sut.Update(s.ctx, Update{Alipay: &AlipayUpdate{PrivateKey: ptr(""), ReturnURL: ptr("https://shop/return")}})
	assert.NoError(t, err)
	assert.Equal(t, "PRIV", merged.Alipay.PrivateKey)

	loaded, err := s.sut.Load(s.ctx)
	assert.NoError(t, err)
	assert.Equal(t, merged, loaded)
	assert.Equal(t, "https://shop/return", loaded.Alipay.ReturnURL)
}

func TestPostgresStoreTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	suite.Run(t, new(PostgresStoreTestSuite))
}
