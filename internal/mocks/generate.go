package mocks

//go:generate mockery --name Publisher --srcpkg github.com/viaacode/mh-events2pulsar/internal/ingestion --output ./ingestion --outpkg ingestionmocks --with-expecter
