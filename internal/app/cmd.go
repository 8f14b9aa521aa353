package app

// Command はofflinecoreの起動モード。
type Command string

const (
	// CommandServe は常駐モード。制御API、アセットキャッシュ、接続モニター、同期エンジンを動かす。
	CommandServe Command = "serve"
	// CommandSync はキューを1回だけ送信して終了する。操作が残れば非ゼロで終了する。
	CommandSync Command = "sync"
	// CommandMigrate は保存層のスキーマを最新にする。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のserveの/healthを叩く。distrolessイメージのHEALTHCHECK用。
	CommandHealthcheck Command = "healthcheck"
)

var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandSync):        CommandSync,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand は先頭の引数を起動モードとして解釈する。
// 引数なしはserve。未知の名前もserveとして扱い、knownをfalseで返す。
func ParseCommand(args []string) (cmd Command, known bool) {
	if len(args) == 0 {
		return CommandServe, true
	}
	if cmd, ok := commands[args[0]]; ok {
		return cmd, true
	}
	return CommandServe, false
}
