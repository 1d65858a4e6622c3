package job

import (
	"github.com/smallbiznis/pagebill/internal/job/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("job.repository",
	fx.Provide(repository.Provide),
)
