package mirror

import (
	"github.com/smallbiznis/depotsync/internal/mirror/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("mirror",
	fx.Provide(repository.Provide),
)
