package bot

const (
	invoiceTitle       = "Pet video"
	invoiceDescription = "A custom video made from your pet photos."

	msgWelcome = "Welcome to Pawreel! Send /new to order a video from your pet photos, or /queue to check the current production queue."
	msgHelp    = "Commands: /new start an order, /done finish photos, /skip skip the script, /pay confirm and pay, /cancel abandon, /queue production queue."

	msgSendPhotos    = "Send me your pet photos, one or more. When you are finished, send /done."
	msgPhotoAdded    = "Got it, %d photo(s) so far. Send more or /done to continue."
	msgNeedPhotos    = "I need at least one photo before we continue."
	msgTooManyPhotos = "That is the photo limit for one order. Send /done to continue."

	msgAskScript      = "Now send a short script for the video, or /skip to let us improvise."
	msgScriptRejected = "I cannot use that text. Please rephrase your script."
	msgScriptTooLong  = "That script is too long. Please send a shorter one."

	msgSummary = "Your order: %d photo(s), %s. Price: %d %s. Send /pay to confirm, /cancel to abandon."

	msgCancelled      = "Order abandoned. Send /new whenever you are ready."
	msgQueue          = "There are %d orders in production ahead of you, roughly %d minutes of work."
	msgPaymentDone    = "Payment received! Your video is now in production. We will send it here when it is ready."
	msgPaymentProblem = "We received your payment but hit a snag matching it to an order. Support has been notified."

	msgStatusPaid       = "Your order is paid and queued for production."
	msgStatusInProgress = "Work on your video has started."
	msgStatusCompleted  = "Your video is ready! Use the order link to download it."
	msgStatusCancelled  = "Your order was cancelled. Contact support if this is unexpected."
)
