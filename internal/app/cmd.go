package app

import (
	"errors"
	"fmt"
	"io"

	"github.com/alecthomas/kong"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は期限切れセッションの定期削除ワーカーとして起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ErrHelpRequested は--helpでヘルプを表示したことを表す。呼び出し側は何も実行せず正常終了する。
var ErrHelpRequested = errors.New("help requested")

// CLI はコマンドライン引数の定義。
type CLI struct {
	Serve       struct{} `cmd:"" default:"1" help:"Start the API server."`
	Worker      struct{} `cmd:"" help:"Purge expired sessions periodically."`
	Migrate     struct{} `cmd:"" help:"Apply pending database migrations."`
	Healthcheck struct {
		Port string `env:"SERVER_PORT" default:"5555" help:"Port of the local API server."`
	} `cmd:"" help:"Probe the local /health endpoint."`
}

// Invocation は解析済みのサブコマンドとその引数。
type Invocation struct {
	Command Command
	Port    string // healthcheckのみ
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空の場合はserveとする。未知のサブコマンドやフラグはエラーを返す。
// errOutにはヘルプとエラーメッセージが出力される。
func ParseCommand(args []string, errOut io.Writer) (Invocation, error) {
	var cli CLI
	// ヘルプ表示後もkongは解析を続けるため、終了要求を記録して以降の結果を捨てる
	exited := false
	parser, err := kong.New(&cli,
		kong.Name("evergreen"),
		kong.Description("Ever Green Tea employee authentication service."),
		kong.Writers(errOut, errOut),
		kong.Exit(func(int) { exited = true }),
	)
	if err != nil {
		return Invocation{}, fmt.Errorf("failed to build command parser: %w", err)
	}

	ctx, err := parser.Parse(args)
	if exited {
		return Invocation{}, ErrHelpRequested
	}
	if err != nil {
		return Invocation{}, fmt.Errorf("invalid command line: %w", err)
	}

	inv := Invocation{Command: Command(ctx.Command())}
	if inv.Command == CommandHealthcheck {
		inv.Port = cli.Healthcheck.Port
	}
	return inv, nil
}
