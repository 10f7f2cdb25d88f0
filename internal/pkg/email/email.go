package email

import (
	"fmt"
	"log"
	"net/smtp"
	"strings"
	"time"

	"github.com/qs3c/pay_go_server/config"
)

// 邮件属于副作用，发送失败重试到上限后只记日志，不影响支付主流程
var retryBackoff = []time.Duration{2 * time.Second, 4 * time.Second}

type Service struct {
	cfg *config.EmailConfig
}

func NewService(cfg *config.EmailConfig) *Service {
	return &Service{cfg: cfg}
}

// SendWelcome 游客转正式账号的欢迎邮件
func (s *Service) SendWelcome(to, firstName string) error {
	subject := "欢迎加入 - 订阅服务"
	body := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #2563eb;">欢迎加入！</h2>
        <p>%s，您好！</p>
        <p>您的付款已确认，账号已开通，现在可以使用订阅内的全部内容。</p>
        <p>登录邮箱即本邮箱，密码为您下单时设置的密码。</p>
        <hr style="border: none; border-top: 1px solid #e5e7eb; margin: 20px 0;">
        <p style="color: #6b7280; font-size: 12px;">此邮件由系统自动发送，请勿回复。</p>
    </div>
</body>
</html>
`, firstName)

	return s.sendWithRetry(to, subject, body)
}

// SendReceipt 续费成功回执
func (s *Service) SendReceipt(to, planName string, amount float64, currency string) error {
	subject := "扣款成功通知 - 订阅服务"
	body := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #2563eb;">扣款成功</h2>
        <p>您好，</p>
        <p>您的订阅「%s」已成功续费，金额 %.2f %s。</p>
        <p>如有疑问请联系客服。</p>
        <hr style="border: none; border-top: 1px solid #e5e7eb; margin: 20px 0;">
        <p style="color: #6b7280; font-size: 12px;">此邮件由系统自动发送，请勿回复。</p>
    </div>
</body>
</html>
`, planName, amount, currency)

	return s.sendWithRetry(to, subject, body)
}

// SendChargeDeclined 续费被拒通知（不自动停用，提示用户更新卡片）
func (s *Service) SendChargeDeclined(to, planName string) error {
	subject := "续费未成功 - 订阅服务"
	body := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #dc2626;">续费未成功</h2>
        <p>您好，</p>
        <p>您的订阅「%s」本次自动续费被银行拒绝。</p>
        <p>订阅暂未受影响，我们将在下个扣款周期重试；您也可以登录后更新支付卡片。</p>
        <hr style="border: none; border-top: 1px solid #e5e7eb; margin: 20px 0;">
        <p style="color: #6b7280; font-size: 12px;">此邮件由系统自动发送，请勿回复。</p>
    </div>
</body>
</html>
`, planName)

	return s.sendWithRetry(to, subject, body)
}

// SendSuspended 订阅已暂停通知（无可用扣款令牌）
func (s *Service) SendSuspended(to, planName string) error {
	subject := "订阅已暂停 - 订阅服务"
	body := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #dc2626;">订阅已暂停</h2>
        <p>您好，</p>
        <p>您的订阅「%s」因没有有效的支付卡片已被暂停。</p>
        <p>登录并绑定新卡后订阅将恢复。</p>
        <hr style="border: none; border-top: 1px solid #e5e7eb; margin: 20px 0;">
        <p style="color: #6b7280; font-size: 12px;">此邮件由系统自动发送，请勿回复。</p>
    </div>
</body>
</html>
`, planName)

	return s.sendWithRetry(to, subject, body)
}

// SendPaymentFailed 支付失败通知（仅登录用户）
func (s *Service) SendPaymentFailed(to string) error {
	subject := "支付未成功 - 订阅服务"
	body := `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #dc2626;">支付未成功</h2>
        <p>您好，</p>
        <p>您刚才的一笔支付没有完成，卡片未被扣款或扣款已撤销。</p>
        <p>您可以随时回到订阅页面重新发起支付。</p>
        <hr style="border: none; border-top: 1px solid #e5e7eb; margin: 20px 0;">
        <p style="color: #6b7280; font-size: 12px;">此邮件由系统自动发送，请勿回复。</p>
    </div>
</body>
</html>
`

	return s.sendWithRetry(to, subject, body)
}

// sendWithRetry 有界重试发送；重试耗尽记日志返回最后一次错误
func (s *Service) sendWithRetry(to, subject, body string) error {
	maxAttempts := s.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := retryBackoff[len(retryBackoff)-1]
			if attempt-1 < len(retryBackoff) {
				backoff = retryBackoff[attempt-1]
			}
			time.Sleep(backoff)
		}

		lastErr = s.sendHTML(to, subject, body)
		if lastErr == nil {
			return nil
		}
	}

	log.Printf("Email to %s failed after %d attempts: %v", to, maxAttempts, lastErr)
	return lastErr
}

// sendHTML 发送 HTML 邮件
func (s *Service) sendHTML(to, subject, body string) error {
	headers := make(map[string]string)
	headers["From"] = s.cfg.From
	headers["To"] = to
	headers["Subject"] = subject
	headers["MIME-Version"] = "1.0"
	headers["Content-Type"] = "text/html; charset=UTF-8"

	var msg strings.Builder
	for k, v := range headers {
		msg.WriteString(fmt.Sprintf("%s: %s\r\n", k, v))
	}
	msg.WriteString("\r\n")
	msg.WriteString(body)

	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.SMTPHost)
	addr := fmt.Sprintf("%s:%d", s.cfg.SMTPHost, s.cfg.SMTPPort)

	return smtp.SendMail(addr, auth, s.cfg.From, []string{to}, []byte(msg.String()))
}
