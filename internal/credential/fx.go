package credential

import (
	"github.com/smallbiznis/depotsync/internal/credential/repository"
	"github.com/smallbiznis/depotsync/internal/credential/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credential.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
