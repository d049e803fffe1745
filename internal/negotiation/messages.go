package negotiation

import "fmt"

// Trigger phrases that start the funnel from idle.
var startTriggers = []string{"価格", "値段", "料金", "いくら", "相談", "コーチング"}

const (
	msgGoalPrompt       = "よし、話を聞こう。まず、あなたが本気で達成したい目標は何だ？一つだけ挙げてくれ。"
	msgConstraintPrompt = "「%s」か。悪くない。では、その目標を今まで阻んできた一番の壁は何だ？"
	msgBudgetPrompt     = "その壁を一人で越えられなかったなら、環境を変えるしかない。月にいくらまで自己投資できる？数字で答えてくれ。"
	msgBudgetReprompt   = "数字で頼む。月にいくらまで出せる？（例：5000円、1万円）"
	msgPitch            = "「%s」を本気で達成したいなら、俺が毎日伴走する。サボれば叱るし、進めば認める。月額%d円だ。どうする？"
	msgConcede          = "……わかった、%d円まで下げよう。これはあなたの本気に対する投資だ。どうする？"
	msgConcedeFinal     = "%d円。ここが限界だ。これ以上は一円も下げられない。やるか、やらないか。"
	msgHold             = "月額%d円の価値は俺が保証する。中途半端な覚悟で値切っても成果は出ないぞ。"
	msgHoldFinal        = "%d円が最終価格だ。これ以上の交渉には応じない。"
	msgAgreed           = "交渉成立だ。月額%d円で契約しよう。下のリンクから手続きを頼む。"
	msgCancelled        = "わかった。今回は縁がなかったな。また本気になったら「価格」と送ってくれ。"
)

func concedeMessage(offer int, final bool) string {
	if final {
		return fmt.Sprintf(msgConcedeFinal, offer)
	}
	return fmt.Sprintf(msgConcede, offer)
}

func holdMessage(offer int, final bool) string {
	if final {
		return fmt.Sprintf(msgHoldFinal, offer)
	}
	return fmt.Sprintf(msgHold, offer)
}
