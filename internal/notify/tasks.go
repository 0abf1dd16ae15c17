package notify

// Task types handled by the mail worker (outside this core).
const TypeOrderConfirmation = "email:order_confirmation"
